// Package pipeline executes the stage graph of a claimed job.
//
// The Runner walks the job's catalog template step by step. Single stages
// run one attempt loop; fan-out steps dispatch every unfinished item through
// an errgroup bounded to the step's arity and join before the next step.
// Completed stage records are never re-executed, so a job that was requeued,
// reclaimed or released resumes at its first unfinished stage.
//
// Stage failures are absorbed locally with exponential backoff until the
// stage-local bound; exhaustion is promoted to a job-level failure through the
// queue manager, which decides between requeue and terminal failure.
// Cancellation is cooperative and observed at step boundaries.
package pipeline
