package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// defaultShutdownTimeout bounds the drain when none is configured.
const defaultShutdownTimeout = 30 * time.Second

// run serves until ctx is cancelled or a listener fails, then shuts the
// application down. watcher may be nil.
func (app *application) run(ctx context.Context, watcher *config.Watcher) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.server.Start(gctx)
	})
	if app.metricsServer != nil {
		g.Go(func() error {
			if err := runMetricsServer(app.metricsServer); err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}
	if app.healthChecker != nil {
		app.healthChecker.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down", observability.Duration("timeout", app.shutdownTimeout()))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.shutdownTimeout())
		defer cancel()

		var err error
		if watcher != nil {
			err = multierr.Append(err, watcher.Stop())
		}
		return multierr.Append(err, app.close(shutdownCtx))
	})

	err := g.Wait()
	app.logger.Info("gateway stopped")
	return err
}

// close stops every component that was started. Listeners are drained
// first so in-flight requests can still use the stores.
func (app *application) close(ctx context.Context) error {
	var err error

	if app.server != nil {
		err = multierr.Append(err, app.server.Stop(ctx))
	}
	if app.metricsServer != nil {
		err = multierr.Append(err, app.metricsServer.Shutdown(ctx))
	}
	if app.healthChecker != nil {
		app.healthChecker.Stop()
	}
	if app.limiterStore != nil {
		err = multierr.Append(err, app.limiterStore.Close())
	}
	if app.cache != nil {
		err = multierr.Append(err, app.cache.Close())
	}
	if app.redis != nil {
		err = multierr.Append(err, app.redis.Close())
	}
	if app.tracer != nil {
		err = multierr.Append(err, app.tracer.Shutdown(ctx))
	}

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
