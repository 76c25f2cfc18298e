package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"storyloom/internal/catalog"
)

const jobColumns = "id, job_type, status, priority, retry_count, max_retries, payload, result, error_message, owner, worker_id, created_at, updated_at, started_at, completed_at, last_heartbeat"

const stageColumns = "job_id, stage_name, item_index, status, progress, retry_count, error_message, result, started_at, completed_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job           Job
		jobType       string
		status        string
		payload       sql.NullString
		result        sql.NullString
		errorMessage  sql.NullString
		owner         sql.NullString
		workerID      sql.NullString
		createdAt     dbTime
		updatedAt     dbTime
		startedAt     dbTime
		completedAt   dbTime
		lastHeartbeat dbTime
	)
	if err := scanner.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&payload,
		&result,
		&errorMessage,
		&owner,
		&workerID,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
		&lastHeartbeat,
	); err != nil {
		return nil, err
	}
	job.JobType = catalog.JobType(jobType)
	job.Status = Status(status)
	job.Payload = rawJSON(payload)
	job.Result = rawJSON(result)
	job.Error = errorMessage.String
	job.Owner = owner.String
	job.WorkerID = workerID.String
	job.CreatedAt = createdAt.value()
	job.UpdatedAt = updatedAt.value()
	job.StartedAt = startedAt.ptr()
	job.CompletedAt = completedAt.ptr()
	job.LastHeartbeat = lastHeartbeat.ptr()
	return &job, nil
}

func scanStageRecord(scanner rowScanner) (StageRecord, error) {
	var (
		rec          StageRecord
		status       string
		errorMessage sql.NullString
		result       sql.NullString
		startedAt    dbTime
		completedAt  dbTime
		updatedAt    dbTime
	)
	if err := scanner.Scan(
		&rec.JobID,
		&rec.Stage,
		&rec.Item,
		&status,
		&rec.Progress,
		&rec.RetryCount,
		&errorMessage,
		&result,
		&startedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return StageRecord{}, err
	}
	rec.Status = StageStatus(status)
	rec.Error = errorMessage.String
	rec.Result = rawJSON(result)
	rec.StartedAt = startedAt.ptr()
	rec.CompletedAt = completedAt.ptr()
	rec.UpdatedAt = updatedAt.value()
	return rec, nil
}

// dbTime scans TEXT timestamps (SQLite) and TIMESTAMPTZ values (PostgreSQL).
type dbTime struct {
	t     time.Time
	valid bool
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.t, d.valid = time.Time{}, false
		return nil
	case time.Time:
		d.t, d.valid = v.UTC(), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp value %T", src)
	}
}

func (d *dbTime) parse(value string) error {
	if value == "" {
		d.t, d.valid = time.Time{}, false
		return nil
	}
	t, err := parseTimeString(value)
	if err != nil {
		return err
	}
	d.t, d.valid = t, true
	return nil
}

func (d dbTime) value() time.Time {
	return d.t
}

func (d dbTime) ptr() *time.Time {
	if !d.valid {
		return nil
	}
	t := d.t
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", value)
}

func rawJSON(value sql.NullString) json.RawMessage {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.RawMessage(value.String)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
