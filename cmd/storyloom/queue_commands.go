package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"storyloom/internal/catalog"
	"storyloom/internal/queue"
	"storyloom/internal/preflight"
	"storyloom/internal/workflow"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
				stats, err := mgr.Stats(c)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, stats)
				}
				rows := buildQueueStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jobType string
	var owner string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.ListFilter{
				JobType: catalog.JobType(strings.TrimSpace(jobType)),
				Owner:   strings.TrimSpace(owner),
				Limit:   limit,
			}
			for _, value := range statuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
				jobs, err := mgr.ListJobs(c, filter)
				if err != nil {
					return err
				}
				if asJSON {
					views := make([]jobView, 0, len(jobs))
					for _, job := range jobs {
						views = append(views, newJobView(job))
					}
					return writeJSON(cmd, views)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Type", "Status", "Priority", "Retries", "Owner", "Created"},
					buildJobListRows(jobs, shouldColorize(cmd.OutOrStdout())),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner reference")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
				status, err := mgr.GetJob(c, id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, newJobStatusView(status))
				}
				renderJobStatus(cmd, mgr.Catalog(), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderJobStatus(cmd *cobra.Command, cat *catalog.Catalog, status *queue.JobStatus) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	job := status.Job

	for _, line := range renderSectionHeader(fmt.Sprintf("Job %d", job.ID), colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Status", jobStatusKind(job.Status), string(job.Status), colorize))
	fmt.Fprintln(out, renderStatusLine("Type", statusInfo, string(job.JobType), colorize))
	fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, strconv.Itoa(status.Progress)+"%", colorize))
	fmt.Fprintln(out, renderStatusLine("Priority", statusInfo, strconv.Itoa(job.Priority), colorize))
	fmt.Fprintln(out, renderStatusLine("Retries", statusInfo, fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries), colorize))
	if job.Owner != "" {
		fmt.Fprintln(out, renderStatusLine("Owner", statusInfo, job.Owner, colorize))
	}
	if job.WorkerID != "" {
		fmt.Fprintln(out, renderStatusLine("Worker", statusInfo, job.WorkerID, colorize))
	}
	if job.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, job.Error, colorize))
	}

	if len(status.Stages) == 0 {
		return
	}
	fanOut := map[string]bool{}
	if tpl, err := cat.Template(job.JobType); err == nil {
		for _, step := range tpl.Steps {
			fanOut[step.Stage] = step.IsFanOut()
		}
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, renderTable(
		[]string{"Stage", "Status", "Progress", "Retries", "Error"},
		buildStageRows(status.Stages, fanOut),
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel pending or processing jobs",
		Long:  "Cancel pending or processing jobs. A running job stops at its next stage boundary.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyToJobs(cmd, ctx, args, "Cancelled", func(c context.Context, mgr *queue.Manager, id int64) error {
				return mgr.CancelJob(c, id)
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Return failed jobs to the queue",
		Long:  "Return terminally failed jobs to pending with a fresh retry budget. Completed stages are not repeated.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyToJobs(cmd, ctx, args, "Retried", func(c context.Context, mgr *queue.Manager, id int64) error {
				return mgr.RetryJob(c, id)
			})
		},
	}
}

// applyToJobs runs fn for every id argument, reporting each outcome and
// returning a combined error for the ids that failed.
func applyToJobs(cmd *cobra.Command, ctx *commandContext, args []string, verb string, fn func(context.Context, *queue.Manager, int64) error) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseJobID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
		var errs []error
		for _, id := range ids {
			if err := fn(c, mgr, id); err != nil {
				errs = append(errs, fmt.Errorf("job %d: %w", id, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %d\n", verb, id)
		}
		return errors.Join(errs...)
	})
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check job store and generation service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Job store", colorize) {
					fmt.Fprintln(out, line)
				}
				db, dbErr := mgr.Store().CheckHealth(c)
				fmt.Fprintln(out, renderStatusLine("Driver", statusInfo, db.Driver, colorize))
				fmt.Fprintln(out, renderStatusLine("Location", statusInfo, db.Location, colorize))
				switch {
				case dbErr != nil:
					fmt.Fprintln(out, renderStatusLine("Readable", statusError, dbErr.Error(), colorize))
				case len(db.MissingTables) > 0:
					fmt.Fprintln(out, renderStatusLine("Schema", statusError, "missing "+strings.Join(db.MissingTables, ", "), colorize))
				default:
					fmt.Fprintln(out, renderStatusLine("Readable", statusOK, yesNo(db.Readable), colorize))
					fmt.Fprintln(out, renderStatusLine("Integrity", healthKind(db.IntegrityCheck), yesNo(db.IntegrityCheck), colorize))
					fmt.Fprintln(out, renderStatusLine("Jobs", statusInfo, strconv.Itoa(db.TotalJobs), colorize))
				}

				fmt.Fprintln(out)
				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(out, line)
				}
				exec, err := workflow.NewExecutor(cfg)
				if err != nil {
					fmt.Fprintln(out, renderStatusLine("Generation service", statusError, err.Error(), colorize))
				}
				for _, result := range preflight.RunAll(c, cfg, mgr.Store(), exec) {
					fmt.Fprintln(out, renderStatusLine(result.Name, healthKind(result.Passed), result.Detail, colorize))
				}
				return nil
			})
		},
	}
}

func healthKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}

func parseJobID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", value)
	}
	return id, nil
}
