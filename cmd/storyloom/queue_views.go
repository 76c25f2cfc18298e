package main

import (
	"encoding/json"
	"strconv"
	"time"

	"storyloom/internal/queue"
)

// jobView is the JSON shape of a job in CLI output.
type jobView struct {
	ID          int64           `json:"id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Owner       string          `json:"owner,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    *int            `json:"progress,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Stages      []stageView     `json:"stages,omitempty"`
}

type stageView struct {
	Stage      string `json:"stage"`
	Item       int    `json:"item"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

func newJobView(job *queue.Job) jobView {
	view := jobView{
		ID:          job.ID,
		JobType:     string(job.JobType),
		Status:      string(job.Status),
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		Owner:       job.Owner,
		WorkerID:    job.WorkerID,
		Error:       job.Error,
		CreatedAt:   formatTime(&job.CreatedAt),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
	if len(job.Result) > 0 {
		view.Result = job.Result
	}
	return view
}

func newJobStatusView(status *queue.JobStatus) jobView {
	view := newJobView(status.Job)
	progress := status.Progress
	view.Progress = &progress
	view.Stages = make([]stageView, 0, len(status.Stages))
	for _, rec := range status.Stages {
		view.Stages = append(view.Stages, stageView{
			Stage:      rec.Stage,
			Item:       rec.Item,
			Status:     string(rec.Status),
			Progress:   rec.Progress,
			RetryCount: rec.RetryCount,
			Error:      rec.Error,
		})
	}
	return view
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func buildJobListRows(jobs []*queue.Job, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			string(job.JobType),
			colorStatus(job.Status, colorize),
			strconv.Itoa(job.Priority),
			strconv.Itoa(job.RetryCount) + "/" + strconv.Itoa(job.MaxRetries),
			job.Owner,
			formatTime(&job.CreatedAt),
		})
	}
	return rows
}

func buildStageRows(records []queue.StageRecord, fanOut map[string]bool) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		label := stageLabel(rec.Stage)
		if fanOut[rec.Stage] {
			label += " #" + strconv.Itoa(rec.Item)
		}
		rows = append(rows, []string{
			label,
			string(rec.Status),
			strconv.Itoa(rec.Progress) + "%",
			strconv.Itoa(rec.RetryCount),
			rec.Error,
		})
	}
	return rows
}

// buildQueueStatusRows lists counts in lifecycle order, skipping empty statuses.
func buildQueueStatusRows(stats map[queue.Status]int) [][]string {
	var rows [][]string
	for _, status := range queue.AllStatuses() {
		count := stats[status]
		if count == 0 {
			continue
		}
		rows = append(rows, []string{stageLabel(string(status)), strconv.Itoa(count)})
	}
	return rows
}
