package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"storyloom/internal/catalog"
	"storyloom/internal/logging"
	"storyloom/internal/queue"
)

// runFanOut dispatches every unfinished item of step with concurrency bounded
// to the step's arity and waits for all of them. Items that exhaust do not
// stop their siblings; the job fails once after the join and completed items
// stay completed.
func (r *Runner) runFanOut(ctx context.Context, js *jobState, step catalog.Step) error {
	prior := js.snapshot()
	results := make([]json.RawMessage, step.FanOut)
	exhausted := make([]*exhaustedError, step.FanOut)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(step.FanOut)
	dispatched := 0
	for i := 0; i < step.FanOut; i++ {
		key := queue.StageKey{JobID: js.job.ID, Stage: step.Stage, Item: i}
		if _, ok := js.completed(key); ok {
			continue
		}
		dispatched++
		group.Go(func() error {
			out, err := r.runStage(groupCtx, js, step, key, prior, false)
			var ex *exhaustedError
			if errors.As(err, &ex) {
				exhausted[key.Item] = ex
				return nil
			}
			if err != nil {
				return err
			}
			results[key.Item] = out
			return nil
		})
	}
	if dispatched == 0 {
		return nil
	}
	waitErr := group.Wait()

	for i, out := range results {
		if out != nil {
			js.record(step, queue.StageKey{JobID: js.job.ID, Stage: step.Stage, Item: i}, out)
		}
	}
	if waitErr != nil {
		return waitErr
	}

	var failed []int
	for i, ex := range exhausted {
		if ex != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	first := exhausted[failed[0]]
	message := fmt.Sprintf("%s: %v", catalog.ResultKey(step.Stage, first.key.Item, true), first.cause)
	logging.WithContext(ctx, r.logger).Error("fan-out group failed",
		logging.String(logging.FieldEventType, "fanout_failed"),
		logging.String(logging.FieldStage, step.Stage),
		logging.Int("failed_items", len(failed)),
		logging.Int("items", step.FanOut),
	)
	outcome, err := r.manager.FailJob(ctx, js.lease, message)
	if err != nil {
		return err
	}
	return &FailureError{Message: message, Outcome: outcome, Cause: first.cause}
}
