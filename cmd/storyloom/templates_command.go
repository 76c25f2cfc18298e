package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"storyloom/internal/catalog"
)

func newTemplatesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "templates",
		Short:       "List job types and their stage graphs",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.Default()
			types := cat.Types()

			if asJSON {
				out := make([]catalog.Template, 0, len(types))
				for _, jobType := range types {
					tpl, err := cat.Template(jobType)
					if err != nil {
						return err
					}
					out = append(out, tpl)
				}
				return writeJSON(cmd, out)
			}

			rows := make([][]string, 0, len(types))
			for _, jobType := range types {
				tpl, err := cat.Template(jobType)
				if err != nil {
					return err
				}
				steps := make([]string, 0, len(tpl.Steps))
				for _, step := range tpl.Steps {
					label := stageLabel(step.Stage)
					if step.IsFanOut() {
						label += " x" + strconv.Itoa(step.Items())
					}
					steps = append(steps, label)
				}
				rows = append(rows, []string{
					string(tpl.JobType),
					strings.Join(steps, " -> "),
					strconv.Itoa(tpl.TotalRecords()),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Job Type", "Stages", "Records"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
