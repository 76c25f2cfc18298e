package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"storyloom/internal/catalog"
	"storyloom/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var payloadFlag string
	var payloadFile string
	var priority int
	var maxRetries int
	var owner string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "enqueue <job-type>",
		Short: "Submit a book generation job",
		Long: "Submit a book generation job. The payload is a JSON object validated " +
			"against the job type's schema; pass it with --payload or --payload-file " +
			"(use - to read stdin).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFlag, payloadFile)
			if err != nil {
				return err
			}
			req := queue.EnqueueRequest{
				JobType:  catalog.JobType(strings.TrimSpace(args[0])),
				Payload: payload,
				Owner:   owner,
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			return ctx.withQueue(cmd.Context(), func(c context.Context, mgr *queue.Manager) error {
				job, err := mgr.Enqueue(c, req)
				if err != nil {
					return fmt.Errorf("enqueue: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, newJobView(job))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %d (%s, priority %d)\n", job.ID, job.JobType, job.Priority)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&payloadFlag, "payload", "p", "", "Job payload as inline JSON")
	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "Read the job payload from a file (- for stdin)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority 1 (highest) to 10 (lowest); default from config")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Whole-job restarts allowed after a fatal stage error; default from config")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner reference carried into notifications")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func readPayload(stdin io.Reader, inline, file string) (json.RawMessage, error) {
	inline = strings.TrimSpace(inline)
	file = strings.TrimSpace(file)
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --payload or --payload-file, not both")
	case inline != "":
		return json.RawMessage(inline), nil
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return json.RawMessage(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return json.RawMessage(data), nil
	default:
		return nil, errors.New("a payload is required (--payload or --payload-file)")
	}
}
