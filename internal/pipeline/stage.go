package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyloom/internal/catalog"
	"storyloom/internal/logging"
	"storyloom/internal/queue"
	"storyloom/internal/services"
	"storyloom/internal/stage"
)

// runStage is the attempt loop of one stage record. It returns the stage
// output, an *exhaustedError once the stage-local bound is reached, or the
// context error on shutdown (no failure is recorded then).
func (r *Runner) runStage(ctx context.Context, js *jobState, step catalog.Step, key queue.StageKey, prior map[string]json.RawMessage, promote bool) (json.RawMessage, error) {
	stageCtx := services.WithStage(ctx, step.Stage)
	var item *int
	if step.IsFanOut() {
		idx := key.Item
		item = &idx
		stageCtx = services.WithItemIndex(stageCtx, idx)
	}
	logger := logging.WithContext(stageCtx, r.logger)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.manager.RecordStageStart(stageCtx, js.lease, key); err != nil {
			if errors.Is(err, queue.ErrStageCompleted) {
				rec, getErr := r.manager.StageRecord(stageCtx, key)
				if getErr != nil {
					return nil, getErr
				}
				if rec == nil {
					return nil, fmt.Errorf("stage record %s vanished", key)
				}
				return rec.Result, nil
			}
			return nil, err
		}

		attemptStart := time.Now()
		logger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
		)
		req := stage.Request{
			JobID:    js.job.ID,
			JobType:  js.job.JobType,
			Stage:    step.Stage,
			Item:     item,
			Payload:  js.payload,
			Prior:    prior,
			Progress: r.progressReporter(stageCtx, js, key),
		}
		out, execErr := r.executor.Execute(stageCtx, req)
		if execErr == nil {
			if err := r.manager.RecordStageComplete(stageCtx, js.lease, key, out); err != nil {
				return nil, err
			}
			logger.Info("stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Duration("stage_duration", time.Since(attemptStart)),
			)
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			logger.Debug("stage interrupted by shutdown", logging.Error(execErr))
			return nil, err
		}

		policy := queue.StagePolicy{MaxAttempts: r.policy.MaxAttempts, PromoteOnExhaust: promote}
		permanent := stage.IsPermanent(execErr)
		if permanent {
			policy.MaxAttempts = 1
		}
		failure, err := r.manager.RecordStageFail(stageCtx, js.lease, key, execErr, policy)
		if err != nil {
			return nil, err
		}
		if failure.Exhausted {
			logging.ErrorWithContext(logger, "stage exhausted", "stage_exhausted",
				logging.Error(execErr),
				logging.String(logging.FieldErrorKind, string(stage.Classify(execErr))),
				logging.Int("attempts", failure.RetryCount),
				logging.Bool("permanent", permanent),
				logging.String(logging.FieldErrorHint, "inspect the generation service logs for this stage"),
			)
			return nil, &exhaustedError{key: key, failure: failure, cause: execErr}
		}

		wait := r.policy.delay(failure.RetryCount)
		logging.WarnWithContext(logger, "stage failed, retrying", "stage_retry",
			logging.Error(execErr),
			logging.String(logging.FieldErrorKind, string(stage.Classify(execErr))),
			logging.Int("attempt", failure.RetryCount),
			logging.Int("max_attempts", r.policy.MaxAttempts),
			logging.Duration("backoff", wait),
			logging.String(logging.FieldImpact, "stage is retried in place"),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// progressReporter binds executor progress callbacks to the stage record.
func (r *Runner) progressReporter(ctx context.Context, js *jobState, key queue.StageKey) func(int) {
	label := catalog.ResultKey(key.Stage, key.Item, isFanOut(js.tpl, key.Stage))
	logger := logging.WithContext(ctx, r.logger)
	return func(percent int) {
		applied, err := r.manager.RecordStageProgress(ctx, js.lease, key, percent)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("stage progress not recorded", logging.Error(err))
			}
			return
		}
		if applied && js.sampler.ShouldLog(label, percent) {
			logger.Info("stage progress",
				logging.String(logging.FieldEventType, "stage_progress"),
				logging.Int("progress", percent),
			)
		}
	}
}

func isFanOut(tpl catalog.Template, stageName string) bool {
	step, ok := tpl.Step(stageName)
	return ok && step.IsFanOut()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
