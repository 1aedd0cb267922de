package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/leavelink/internal/httpapi"
	"github.com/agentworkforce/leavelink/internal/runlog"
	"github.com/agentworkforce/leavelink/internal/runner"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string
	var schedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runs API",
		Long: `Serve the HTTP API for triggering runs, reading run history and
streaming run events. With --schedule, passes also run on the configured
interval in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := map[string]any{}
			if addr != "" {
				overrides["http_addr"] = addr
			}
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
			if cfg.JWTSecret == "" {
				log.Warn().Msg("jwt_secret is not set, accepting tokens signed with the development secret")
			}
			server := &http.Server{
				Addr: cfg.HTTPAddr,
				Handler: httpapi.NewServerWithConfig(r, httpapi.ServerConfig{
					JWTSecret:       cfg.JWTSecret,
					RateLimitMax:    cfg.RateLimitPerMinute,
					RateLimitWindow: time.Minute,
					Logger:          log,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if schedule {
				go func() {
					_ = a.schedule(ctx, r, cfg, overrides)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.HTTPAddr).Msg("leavelink listening")
				errCh <- server.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			log.Info().Msg("shutting down")
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "also run passes on the configured interval")
	return cmd
}
