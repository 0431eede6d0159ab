package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-contributors-backend/internal/report"
)

var jobsFlags struct {
	limit   int
	format  string
	noColor bool
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the refresh queue.",
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List refresh jobs that exhausted their retries.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appNeeds{queue: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		jobs, err := a.queue.Failed(ctx, jobsFlags.limit)
		if err != nil {
			return err
		}
		return report.WriteFailedJobs(cmd.OutOrStdout(), jobs, report.Options{
			Format: jobsFlags.format,
			Colors: !jobsFlags.noColor && !color.NoColor,
		})
	},
}

func init() {
	f := jobsFailedCmd.Flags()
	f.IntVar(&jobsFlags.limit, "limit", 20, "maximum jobs listed")
	f.StringVarP(&jobsFlags.format, "format", "o", report.FormatTable, "output format: table or json")
	f.BoolVar(&jobsFlags.noColor, "no-color", false, "disable colored output")
	jobsCmd.AddCommand(jobsFailedCmd)
}
