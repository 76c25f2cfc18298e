// Package workflow runs the worker pool that drains the job queue.
//
// A Manager starts a fixed number of workers. Each worker claims the next
// eligible job, drives it through the pipeline runner while a heartbeat
// ticker keeps the claim fresh, and returns to polling. The first worker also
// reclaims jobs whose heartbeat expired, so work held by a crashed process
// becomes claimable again.
//
// Stop cancels every worker. A job interrupted mid-stage is released back to
// pending without spending a job-level retry; its completed stage records let
// the next claimant resume at the first unfinished stage.
package workflow
