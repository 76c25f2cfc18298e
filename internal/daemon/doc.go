// Package daemon coordinates the long-running storyloom process.
//
// It wires configuration, the job store, the queue manager and the worker
// pool into a single lifecycle with flock-based locking to prevent several
// daemons from draining the same data directory. The daemon also exposes the
// queue inspection and maintenance helpers used by the CLI.
//
// Keep orchestration here: job semantics live in queue, stage execution in
// pipeline, and worker scheduling in workflow.
package daemon
