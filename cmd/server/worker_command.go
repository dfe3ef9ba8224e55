package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/log"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs without serving the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	comps, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	if comps.bus == nil {
		log.Info("nats not configured; progress is only visible by polling")
	}

	w, err := comps.newWorker(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	comps.runFinalizer(gctx, g)
	g.Go(func() error { return w.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
