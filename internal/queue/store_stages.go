package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// fenceStage touches the job row inside tx and fails with ErrClaimLost unless
// the job is still held by lease. Cancelled jobs keep their worker so
// in-flight stages can finish recording. The touch holds the row until tx
// ends, so a reclaim cannot slip in between the check and the stage write.
func fenceStage(ctx context.Context, tx *txn, lease Lease, key StageKey, now any) error {
	affected, err := tx.exec(ctx,
		`UPDATE jobs SET updated_at = ?
        WHERE id = ? AND worker_id = ? AND status IN (?, ?)`,
		now, key.JobID, lease.WorkerID, StatusProcessing, StatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("check claim for %s: %w", key, err)
	}
	if affected != 1 || key.JobID != lease.JobID {
		return fmt.Errorf("%w: %s is no longer held by %s", ErrClaimLost, key, lease.WorkerID)
	}
	return nil
}

// startStage upserts a record into processing. Progress survives only when the
// record was already processing (resume after a crash). Completed records are
// never touched; that case reports ErrStageCompleted.
func (s *Store) startStage(ctx context.Context, lease Lease, key StageKey) error {
	return s.withTx(ctx, func(tx *txn) error {
		now := s.dialect.timeArg(time.Now())
		if err := fenceStage(ctx, tx, lease, key, now); err != nil {
			return err
		}
		affected, err := tx.exec(ctx,
			`INSERT INTO stage_records (job_id, stage_name, item_index, status, progress, retry_count, started_at, updated_at)
            VALUES (?, ?, ?, ?, 0, 0, ?, ?)
            ON CONFLICT (job_id, stage_name, item_index) DO UPDATE
            SET status = excluded.status,
                progress = CASE WHEN stage_records.status = ? THEN stage_records.progress ELSE 0 END,
                error_message = NULL,
                started_at = excluded.started_at,
                updated_at = excluded.updated_at
            WHERE stage_records.status <> ?`,
			key.JobID, key.Stage, key.Item, StageProcessing, now, now,
			StageProcessing,
			StageCompleted,
		)
		if err != nil {
			return fmt.Errorf("start stage %s: %w", key, err)
		}
		if affected == 0 {
			return ErrStageCompleted
		}
		return nil
	})
}

// updateStageProgress raises the progress of a processing record. Lower values
// and non-processing records are left alone and report false.
func (s *Store) updateStageProgress(ctx context.Context, lease Lease, key StageKey, percent int) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *txn) error {
		now := s.dialect.timeArg(time.Now())
		if err := fenceStage(ctx, tx, lease, key, now); err != nil {
			return err
		}
		affected, err := tx.exec(ctx,
			`UPDATE stage_records
            SET progress = ?, updated_at = ?
            WHERE job_id = ? AND stage_name = ? AND item_index = ? AND status = ? AND progress <= ?`,
			percent, now,
			key.JobID, key.Stage, key.Item, StageProcessing, percent,
		)
		if err != nil {
			return fmt.Errorf("update stage progress %s: %w", key, err)
		}
		applied = affected == 1
		return nil
	})
	return applied, err
}

// completeStage upserts a record into completed. It reports false when the
// record was already completed.
func (s *Store) completeStage(ctx context.Context, lease Lease, key StageKey, result []byte) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *txn) error {
		now := s.dialect.timeArg(time.Now())
		if err := fenceStage(ctx, tx, lease, key, now); err != nil {
			return err
		}
		affected, err := tx.exec(ctx,
			`INSERT INTO stage_records (job_id, stage_name, item_index, status, progress, retry_count, result, started_at, completed_at, updated_at)
            VALUES (?, ?, ?, ?, 100, 0, ?, ?, ?, ?)
            ON CONFLICT (job_id, stage_name, item_index) DO UPDATE
            SET status = excluded.status,
                progress = 100,
                result = excluded.result,
                error_message = NULL,
                completed_at = excluded.completed_at,
                updated_at = excluded.updated_at
            WHERE stage_records.status <> ?`,
			key.JobID, key.Stage, key.Item, StageCompleted, nullableJSON(result), now, now, now,
			StageCompleted,
		)
		if err != nil {
			return fmt.Errorf("complete stage %s: %w", key, err)
		}
		applied = affected == 1
		return nil
	})
	return applied, err
}

// failStage records a failed attempt and returns the stage-local attempt
// count.
func (s *Store) failStage(ctx context.Context, lease Lease, key StageKey, message string) (int, error) {
	var retryCount int
	err := s.withTx(ctx, func(tx *txn) error {
		now := s.dialect.timeArg(time.Now())
		if err := fenceStage(ctx, tx, lease, key, now); err != nil {
			return err
		}
		err := tx.queryRow(ctx,
			`INSERT INTO stage_records (job_id, stage_name, item_index, status, progress, retry_count, error_message, updated_at)
            VALUES (?, ?, ?, ?, 0, 1, ?, ?)
            ON CONFLICT (job_id, stage_name, item_index) DO UPDATE
            SET status = excluded.status,
                retry_count = stage_records.retry_count + 1,
                error_message = excluded.error_message,
                updated_at = excluded.updated_at
            WHERE stage_records.status <> ?
            RETURNING retry_count`,
			key.JobID, key.Stage, key.Item, StageFailed, nullableString(message), now,
			StageCompleted,
		).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStageCompleted
		}
		if err != nil {
			return fmt.Errorf("fail stage %s: %w", key, err)
		}
		return nil
	})
	return retryCount, err
}

// stageRecords lists a job's records in stage and item order.
func (s *Store) stageRecords(ctx context.Context, jobID int64) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		s.dialect.rebind("SELECT "+stageColumns+" FROM stage_records WHERE job_id = ? ORDER BY id ASC"),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage records: %w", err)
	}
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) stageRecord(ctx context.Context, key StageKey) (*StageRecord, error) {
	var rec StageRecord
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var scanErr error
		rec, scanErr = scanStageRecord(row)
		return scanErr
	}, "SELECT "+stageColumns+" FROM stage_records WHERE job_id = ? AND stage_name = ? AND item_index = ?",
		key.JobID, key.Stage, key.Item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage record %s: %w", key, err)
	}
	return &rec, nil
}
