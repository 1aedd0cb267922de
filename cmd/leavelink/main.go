package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/leavelink/internal/config"
	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/reconcile"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout)
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "leavelink: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	out io.Writer

	configFile string
	logLevel   string
	logFormat  string
	output     string
	// envFiles nil means the default .env and .env.local.
	envFiles []string

	newStore func(*config.Config) (reconcile.Store, error)
	closers  []io.Closer
}

func newApp(out io.Writer) *app {
	return &app{
		out: out,
		newStore: func(cfg *config.Config) (reconcile.Store, error) {
			return cfg.Store()
		},
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "leavelink",
		Short:   "Link leave requests to employees in Notion",
		Version: version,
		Long: `leavelink reconciles a Notion leave-requests database against an
employees database: each request is linked to the employee whose identifier
matches, whatever digit script either side was typed in, and requests without
a status get the default one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetVersionTemplate("leavelink {{.Version}}\n")

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default ./leavelink.yaml or ~/.config/leavelink/leavelink.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: json, console, auto")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "output format: text, json, yaml")

	root.AddCommand(
		newRunCommand(a),
		newDetectCommand(a),
		newServeCommand(a),
		newHistoryCommand(a),
		newVersionCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "leavelink %s\n", version)
		},
	}
}

// loadConfig resolves configuration with the global flags, and any
// command-specific overrides, taking precedence.
func (a *app) loadConfig(overrides map[string]any) (*config.Config, error) {
	merged := map[string]any{}
	for key, value := range overrides {
		merged[key] = value
	}
	if a.logLevel != "" {
		merged["log_level"] = a.logLevel
	}
	if a.logFormat != "" {
		merged["log_format"] = a.logFormat
	}
	return config.Load(config.LoadOptions{
		ConfigFile: a.configFile,
		EnvFiles:   a.envFiles,
		Overrides:  merged,
	})
}

// close releases resources opened by setup, such as a log file.
func (a *app) close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

// setup loads configuration and installs the configured logger as the
// process default and on the returned context.
func (a *app) setup(ctx context.Context, overrides map[string]any) (*config.Config, context.Context, *zerolog.Logger, error) {
	cfg, err := a.loadConfig(overrides)
	if err != nil {
		return nil, ctx, nil, err
	}
	logger, closer, err := logging.Open(cfg.Logging())
	if err != nil {
		return nil, ctx, nil, &config.Error{Source: "log_output", Err: err}
	}
	a.closers = append(a.closers, closer)
	logging.SetDefault(logger)
	ctx = logging.WithLogger(ctx, &logger)
	if len(cfg.Sources()) > 0 {
		logger.Debug().Strs("sources", cfg.Sources()).Msg("configuration loaded")
	}
	return cfg, ctx, &logger, nil
}
