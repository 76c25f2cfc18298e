// Package remote implements stage.Executor over the HTTP generation service.
//
// Every stage call is a POST of the stage request to {base_url}/stages/{stage}
// answered with {"result": ...} or {"error": "...", "kind": "..."}. HTTP status
// codes drive retry classification: client errors are permanent, server and
// network errors are retried by the pipeline runner.
package remote
