// Package queue persists book-generation jobs and their stage records and
// exposes the Manager that drives their lifecycle.
//
// The Store runs on embedded SQLite (WAL, busy retries) or PostgreSQL (pgx
// pool behind database/sql, connection retries) and applies the embedded
// per-dialect migrations on open. Every state change is a single conditional
// update, so two workers can never claim the same job and a terminal
// transition happens at most once.
//
// The Manager validates enqueue requests against the catalog, retries lost
// claim races, promotes exhausted stage failures to job failures, requeues
// jobs while job-level retries remain and publishes the completion
// notification exactly once per job.
//
// Treat this package as the single source of truth for queue semantics; when
// you add a status or column, add a migration for both dialects.
package queue
