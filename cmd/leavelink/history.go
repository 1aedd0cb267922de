package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/leavelink/internal/runlog"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseOutputFormat(a.output)
			if err != nil {
				return err
			}
			cfg, ctx, _, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			reports, err := runlog.BuildReportStoreFromDSN(cfg.RunlogDSN, cfg.RunlogHistory)
			if err != nil {
				return fmt.Errorf("open run log: %w", err)
			}
			defer reports.Close()

			list, err := reports.List(ctx, limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if format != formatText {
				if list == nil {
					list = []runlog.Report{}
				}
				return writeStructured(a.out, format, list)
			}
			rows := make([][]string, 0, len(list))
			for _, report := range list {
				s := report.Summary
				state := "ok"
				switch {
				case report.Failed():
					state = "failed"
				case report.DryRun:
					state = "dry run"
				}
				rows = append(rows, []string{
					report.RunID,
					report.StartedAt.Local().Format(time.DateTime),
					report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
					strconv.Itoa(s.Updated),
					strconv.Itoa(s.Planned),
					strconv.Itoa(s.Skipped),
					strconv.Itoa(s.Errored),
					state,
				})
			}
			return writeTable(a.out, []string{"Run", "Started", "Took", "Updated", "Planned", "Skipped", "Errored", "State"}, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}
