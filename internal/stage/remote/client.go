package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storyloom/internal/stage"
)

const (
	defaultRequestTimeout = 300 * time.Second
	healthTimeout         = 5 * time.Second
	maxErrorBody          = 4 << 10
)

// Executor dispatches stage calls to the HTTP generation service.
type Executor struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ stage.Executor      = (*Executor)(nil)
	_ stage.HealthChecker = (*Executor)(nil)
)

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithRequestTimeout sets the client-side timeout of a single stage call.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.httpClient = &http.Client{Timeout: d, Transport: e.httpClient.Transport}
		}
	}
}

// New creates an executor for the service at baseURL.
func New(baseURL string, opts ...Option) (*Executor, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("generation service base url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse generation service url: %w", err)
	}
	exec := &Executor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec, nil
}

// response is the body returned by POST /stages/{stage}.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Kind   string          `json:"kind"`
}

// Execute posts req to {base}/stages/{stage}. Client errors other than 408
// and 429 are permanent; server and network errors are retryable.
func (e *Executor) Execute(ctx context.Context, req stage.Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, stage.NewError(stage.KindValidation, req, "encode stage request", err)
	}
	endpoint := e.baseURL + "/stages/" + url.PathEscape(req.Stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, stage.NewError(stage.KindValidation, req, "build stage request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	req.ReportProgress(0)
	requestStart := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	latency := time.Since(requestStart)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, stage.NewError(stage.KindTransient, req, fmt.Sprintf("call generation service (latency=%v)", latency), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(req, resp, latency)
	}

	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, stage.NewError(stage.KindUpstream, req, "decode generation service response", err)
	}
	if strings.TrimSpace(payload.Error) != "" {
		return nil, stage.NewError(parseKind(payload.Kind), req, payload.Error, nil)
	}
	if len(payload.Result) == 0 || string(payload.Result) == "null" {
		return nil, stage.NewError(stage.KindUpstream, req, "generation service returned no result", nil)
	}
	req.ReportProgress(100)
	return payload.Result, nil
}

func statusError(req stage.Request, resp *http.Response, latency time.Duration) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := fmt.Sprintf("generation service returned %d (latency=%v)", resp.StatusCode, latency)
	var payload response
	if json.Unmarshal(raw, &payload) == nil && strings.TrimSpace(payload.Error) != "" {
		message = fmt.Sprintf("%s: %s", message, strings.TrimSpace(payload.Error))
	}

	kind := stage.KindUpstream
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		kind = stage.KindTransient
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = stage.KindValidation
	}
	return stage.NewError(kind, req, message, nil)
}

func parseKind(value string) stage.Kind {
	switch stage.Kind(strings.ToLower(strings.TrimSpace(value))) {
	case stage.KindValidation:
		return stage.KindValidation
	case stage.KindTimeout:
		return stage.KindTimeout
	case stage.KindTransient:
		return stage.KindTransient
	default:
		return stage.KindUpstream
	}
}

// HealthCheck calls {base}/healthz.
func (e *Executor) HealthCheck(ctx context.Context) stage.Health {
	const name = "generation_service"
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/healthz", nil)
	if err != nil {
		return stage.Unhealthy(name, err.Error())
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("unreachable: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stage.Unhealthy(name, fmt.Sprintf("healthz returned %d", resp.StatusCode))
	}
	return stage.Healthy(name)
}
