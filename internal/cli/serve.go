package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/dispatch/internal/app"
	"github.com/Ramsey-B/dispatch/internal/server"
)

const shutdownTimeout = 30 * time.Second

type ServeOptions struct {
	*RootOptions
	NoScheduler bool
	NoConsumers bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the queue consumers and the backlog scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoScheduler, "no-scheduler", false, "do not process the backlog in this replica")
	cmd.Flags().BoolVar(&opts.NoConsumers, "no-consumers", false, "do not drain the transport queues in this replica")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	log := rt.logger

	a := app.New(rt.cfg, log)
	if err := a.Start(ctx, app.Options{Scheduler: !opts.NoScheduler, Consumers: !opts.NoConsumers}); err != nil {
		log.WithError(err).Error("Failed to start dependencies")
		_ = a.Stop(context.Background())
		return err
	}

	srv, err := server.New(ctx, rt.cfg, a)
	if err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	for _, consumer := range a.Consumers {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown failed")
		}
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to stop dependencies cleanly")
	}
	if err := rt.shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	return runErr
}
