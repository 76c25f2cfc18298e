package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// insertJob persists a validated pending job.
func (s *Store) insertJob(ctx context.Context, job *Job) (*Job, error) {
	now := time.Now().UTC()
	var id int64
	err := s.queryRow(ctx, func(row *sql.Row) error { return row.Scan(&id) },
		`INSERT INTO jobs (job_type, status, priority, retry_count, max_retries, payload, owner, created_at, updated_at)
        VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)
        RETURNING id`,
		string(job.JobType),
		StatusPending,
		job.Priority,
		job.MaxRetries,
		string(job.Payload),
		nullableString(job.Owner),
		s.dialect.timeArg(now),
		s.dialect.timeArg(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.getJob(ctx, id)
}

func (s *Store) getJob(ctx context.Context, id int64) (*Job, error) {
	var job *Job
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		job, scanErr = scanJob(row)
		return scanErr
	}, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func (s *Store) jobStatus(ctx context.Context, id int64) (Status, error) {
	var status string
	err := s.queryRow(ctx, func(row *sql.Row) error { return row.Scan(&status) },
		"SELECT status FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read job status %d: %w", id, err)
	}
	return Status(status), nil
}

// claimNext selects the best pending job matching filter and claims it with a
// conditional update. A lost race reports ErrClaimConflict.
func (s *Store) claimNext(ctx context.Context, workerID string, filter ClaimFilter) (*Job, error) {
	query := "SELECT id FROM jobs WHERE status = ?"
	args := []any{StatusPending}
	if len(filter.JobTypes) > 0 {
		query += " AND job_type IN (" + makePlaceholders(len(filter.JobTypes)) + ")"
		for _, jobType := range filter.JobTypes {
			args = append(args, string(jobType))
		}
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1"

	var id int64
	err := s.queryRow(ctx, func(row *sql.Row) error { return row.Scan(&id) }, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	now := s.dialect.timeArg(time.Now())
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, worker_id = ?, started_at = ?, last_heartbeat = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
		StatusProcessing, nullableString(workerID), now, now, now,
		id, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	if affected != 1 {
		return nil, ErrClaimConflict
	}
	return s.getJob(ctx, id)
}

// completeJob moves a job processing under lease to completed. It reports
// false when the job was not processing or is held by another worker.
func (s *Store) completeJob(ctx context.Context, lease Lease, result []byte) (bool, error) {
	now := s.dialect.timeArg(time.Now())
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, result = ?, error_message = NULL, completed_at = ?, last_heartbeat = NULL, updated_at = ?
        WHERE id = ? AND status = ? AND worker_id = ?`,
		StatusCompleted, nullableJSON(result), now, now,
		lease.JobID, StatusProcessing, lease.WorkerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", lease.JobID, err)
	}
	return affected == 1, nil
}

// failJob requeues a processing job while retries remain, resetting its
// failed stage records, or fails it terminally.
func (s *Store) failJob(ctx context.Context, lease Lease, message string) (FailOutcome, error) {
	id := lease.JobID
	var outcome FailOutcome
	err := s.withTx(ctx, func(tx *txn) error {
		outcome = FailOutcome{}
		now := s.dialect.timeArg(time.Now())
		requeued, err := tx.exec(ctx,
			`UPDATE jobs
            SET status = ?, retry_count = retry_count + 1, error_message = ?, worker_id = NULL,
                last_heartbeat = NULL, updated_at = ?
            WHERE id = ? AND status = ? AND worker_id = ? AND retry_count < max_retries`,
			StatusPending, nullableString(message), now,
			id, StatusProcessing, lease.WorkerID,
		)
		if err != nil {
			return fmt.Errorf("requeue job %d: %w", id, err)
		}
		if requeued == 1 {
			if err := resetStageRecords(ctx, tx, id, now); err != nil {
				return err
			}
			outcome.Requeued = true
		} else {
			failed, err := tx.exec(ctx,
				`UPDATE jobs
                SET status = ?, error_message = ?, completed_at = ?, last_heartbeat = NULL, updated_at = ?
                WHERE id = ? AND status = ? AND worker_id = ?`,
				StatusFailed, nullableString(message), now, now,
				id, StatusProcessing, lease.WorkerID,
			)
			if err != nil {
				return fmt.Errorf("fail job %d: %w", id, err)
			}
			if failed != 1 {
				return ErrInvalidTransition
			}
			outcome.Terminal = true
		}
		return tx.queryRow(ctx, "SELECT retry_count FROM jobs WHERE id = ?", id).Scan(&outcome.RetryCount)
	})
	return outcome, err
}

// resetStageRecords returns failed and interrupted records of a job to
// pending with fresh stage-local counters. Completed records are kept.
func resetStageRecords(ctx context.Context, tx *txn, jobID int64, now any) error {
	if _, err := tx.exec(ctx,
		`UPDATE stage_records
        SET status = ?, retry_count = 0, progress = 0, error_message = NULL, updated_at = ?
        WHERE job_id = ? AND status IN (?, ?)`,
		StagePending, now,
		jobID, StageFailed, StageProcessing,
	); err != nil {
		return fmt.Errorf("reset stage records for job %d: %w", jobID, err)
	}
	return nil
}

// abortJob fails a job processing under lease terminally without consulting
// its retry budget.
func (s *Store) abortJob(ctx context.Context, lease Lease, message string) (bool, error) {
	now := s.dialect.timeArg(time.Now())
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, error_message = ?, completed_at = ?, last_heartbeat = NULL, updated_at = ?
        WHERE id = ? AND status = ? AND worker_id = ?`,
		StatusFailed, nullableString(message), now, now,
		lease.JobID, StatusProcessing, lease.WorkerID,
	)
	if err != nil {
		return false, fmt.Errorf("abort job %d: %w", lease.JobID, err)
	}
	return affected == 1, nil
}

func (s *Store) cancelJob(ctx context.Context, id int64) (bool, error) {
	now := s.dialect.timeArg(time.Now())
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, completed_at = ?, last_heartbeat = NULL, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, now, now,
		id, StatusPending, StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job %d: %w", id, err)
	}
	return affected == 1, nil
}

// retryJob starts a fresh attempt series for a terminally failed job.
func (s *Store) retryJob(ctx context.Context, id int64) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *txn) error {
		now := s.dialect.timeArg(time.Now())
		affected, err := tx.exec(ctx,
			`UPDATE jobs
            SET status = ?, retry_count = 0, error_message = NULL, result = NULL, worker_id = NULL,
                started_at = NULL, completed_at = NULL, last_heartbeat = NULL, updated_at = ?
            WHERE id = ? AND status = ?`,
			StatusPending, now,
			id, StatusFailed,
		)
		if err != nil {
			return fmt.Errorf("retry job %d: %w", id, err)
		}
		moved = affected == 1
		if !moved {
			return nil
		}
		return resetStageRecords(ctx, tx, id, now)
	})
	return moved, err
}

// releaseJob hands a processing job back to the queue without consuming a
// retry.
func (s *Store) releaseJob(ctx context.Context, lease Lease) (bool, error) {
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, worker_id = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE id = ? AND status = ? AND worker_id = ?`,
		StatusPending, s.dialect.timeArg(time.Now()),
		lease.JobID, StatusProcessing, lease.WorkerID,
	)
	if err != nil {
		return false, fmt.Errorf("release job %d: %w", lease.JobID, err)
	}
	return affected == 1, nil
}

// reclaimStale returns processing jobs whose heartbeat expired to pending.
func (s *Store) reclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	affected, err := s.execAffected(ctx,
		`UPDATE jobs
        SET status = ?, worker_id = NULL, last_heartbeat = NULL, updated_at = ?
        WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusPending, s.dialect.timeArg(time.Now()),
		StatusProcessing, s.dialect.timeArg(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return affected, nil
}

// UpdateHeartbeat refreshes the heartbeat of a job processing under lease. It
// reports false when the job is no longer held by lease.
func (s *Store) UpdateHeartbeat(ctx context.Context, lease Lease) (bool, error) {
	now := s.dialect.timeArg(time.Now())
	affected, err := s.execAffected(ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ? AND worker_id = ?`,
		now, now, lease.JobID, StatusProcessing, lease.WorkerID,
	)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) listJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.JobType != "" {
		clauses = append(clauses, "job_type = ?")
		args = append(args, string(filter.JobType))
	}
	if filter.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}
