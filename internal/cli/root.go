// Package cli holds the dispatch cobra commands.
package cli

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/dispatch/config"
	"github.com/Ramsey-B/dispatch/internal/logger"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	LogLevel string
}

// runtime is what every command needs before it does its own work
type runtime struct {
	cfg      config.Config
	logger   ectologger.Logger
	shutdown func(context.Context) error
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch signal ingestion and case pipeline",
		Long: `Dispatch ingests monitoring signals, deduplicates and snoozes them per
organization, opens cases and engages the people named on them.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))

	return cmd
}

// setup loads configuration, builds the logger and installs the tracer provider
func setup(ctx context.Context, opts *RootOptions) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	log, zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.PrettyLogs})
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Enabled:     cfg.OTLPEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    cfg.OTLPProtocol,
		Insecure:    cfg.OTLPInsecure,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		logger: log,
		shutdown: func(ctx context.Context) error {
			_ = zapLogger.Sync()
			return shutdownTracing(ctx)
		},
	}, nil
}
