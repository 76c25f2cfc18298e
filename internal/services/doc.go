// Package services defines shared utilities consumed by the pipeline runner,
// the stage executors, and the queue manager.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, job types, stage names, fan-out item
//     indices, worker identifiers, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify stage
//     failures as retryable or permanent.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
