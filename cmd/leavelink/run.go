package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/leavelink/internal/config"
	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/runlog"
	"github.com/agentworkforce/leavelink/internal/runner"
)

type runFlags struct {
	once           bool
	interval       time.Duration
	intervalJitter float64
	dryRun         bool
	onlyUnlinked   bool
}

func newRunCommand(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile leave requests, once or on an interval",
		Long: `Run a reconciliation pass. With --once the command exits after one
pass, non-zero only if the pass failed as a whole; records that were skipped or
could not be updated are reported in the summary. Without --once passes repeat
on the configured interval until interrupted, and configuration files are
watched for changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.once, "once", false, "run one pass and exit")
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "time between passes (default from config)")
	cmd.Flags().Float64Var(&flags.intervalJitter, "interval-jitter", 0, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "compute plans without writing")
	cmd.Flags().BoolVar(&flags.onlyUnlinked, "only-unlinked", false, "only visit leave requests without an employee link")
	return cmd
}

func (f runFlags) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	if cmd.Flags().Changed("interval") {
		out["interval"] = f.interval
	}
	if cmd.Flags().Changed("interval-jitter") {
		out["interval_jitter"] = f.intervalJitter
	}
	if f.dryRun {
		out["dry_run"] = true
	}
	if f.onlyUnlinked {
		out["only_unlinked"] = true
	}
	return out
}

func (a *app) run(cmd *cobra.Command, flags runFlags) error {
	format, err := parseOutputFormat(a.output)
	if err != nil {
		return err
	}
	overrides := flags.overrides(cmd)
	cfg, ctx, log, err := a.setup(cmd.Context(), overrides)
	if err != nil {
		return err
	}
	reports, err := runlog.BuildReportStoreFromDSN(cfg.RunlogDSN, cfg.RunlogHistory)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer reports.Close()

	store, err := a.newStore(cfg)
	if err != nil {
		return err
	}
	r := runner.New(store, cfg.EngineOptions(), reports)
	if flags.once {
		report, err := r.Trigger(ctx, runner.TriggerOptions{})
		if format != formatText {
			if writeErr := writeStructured(a.out, format, report); writeErr != nil {
				return writeErr
			}
			return err
		}
		printSummary(a.out, report)
		return err
	}
	log.Info().
		Dur("interval", cfg.Interval).
		Float64("interval_jitter", cfg.IntervalJitter).
		Msg("reconciling on an interval")
	return a.schedule(ctx, r, cfg, overrides)
}

// schedule runs a pass immediately and then repeatedly until ctx is done.
// A failed pass is logged and the next one still happens. Changes to the
// configuration sources reconfigure subsequent passes.
func (a *app) schedule(ctx context.Context, r *runner.Runner, cfg *config.Config, overrides map[string]any) error {
	log := logging.FromContext(ctx)
	interval, jitter := cfg.Interval, clampJitterRatio(cfg.IntervalJitter)
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	reload := make(chan struct{}, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, cfg.Sources(), 0, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("configuration watch disabled")
		}
	}()

	pass := func() {
		report, err := r.Trigger(ctx, runner.TriggerOptions{})
		switch {
		case errors.Is(err, runner.ErrRunInProgress):
			log.Info().Msg("skipping scheduled pass, another run is in progress")
			return
		case err != nil:
			log.Error().Err(err).Str("run_id", report.RunID).Msg("reconciliation pass failed")
		}
		if report.RunID != "" {
			printSummary(a.out, report)
		}
	}

	pass()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping")
			return nil
		case <-reload:
			next, err := a.loadConfig(overrides)
			if err != nil {
				log.Warn().Err(err).Msg("configuration change rejected, keeping the previous configuration")
				continue
			}
			store, err := a.newStore(next)
			if err != nil {
				log.Warn().Err(err).Msg("store change rejected, keeping the previous configuration")
				continue
			}
			r.Reconfigure(store, next.EngineOptions())
			if next.Interval > 0 {
				interval = next.Interval
			}
			jitter = clampJitterRatio(next.IntervalJitter)
			log.Info().Msg("configuration reloaded")
		case <-timer.C:
			pass()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func printSummary(w io.Writer, report runlog.Report) {
	s := report.Summary
	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "run %s%s: updated=%d planned=%d skipped=%d errored=%d\n",
		report.RunID, mode, s.Updated, s.Planned, s.Skipped, s.Errored)
	fmt.Fprintf(w, "  scanned %d leave requests against %d employee keys (%d collisions, %d employees without a key)\n",
		s.Scanned, s.IndexSize, s.Collisions, s.MissingKeys)
	if report.Failed() {
		fmt.Fprintf(w, "  failed: %s\n", report.Error)
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
