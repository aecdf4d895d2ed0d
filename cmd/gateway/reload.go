package main

import (
	"context"

	"github.com/vyrodovalexey/medgw/internal/cache"
	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/ratelimit"
)

// startConfigWatcher starts the configuration watcher. It returns nil
// when the file cannot be watched; the gateway keeps running on the
// startup configuration.
func startConfigWatcher(ctx context.Context, app *application, configPath string, overlay envConfig) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(change config.Change) { reloadComponents(app, change) },
		config.WithTransform(overlay.apply),
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(error) {
			app.metrics.RecordConfigReload(false)
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// reloadComponents applies the hot sections named in change and warns
// about the rest, which only take effect after a restart.
func reloadComponents(app *application, change config.Change) {
	spec := &change.Current.Spec
	logger := app.logger

	var applied, pending []string
	for _, section := range change.Sections {
		switch section {
		case config.SectionRateLimitRules:
			if app.limiter != nil {
				app.limiter.SetRules(ratelimit.RulesFromConfig(spec.RateLimit.Rules))
			}
		case config.SectionRateLimitFailOpen:
			if app.limiter != nil {
				app.limiter.SetFailOpen(spec.RateLimit.FailOpen)
			}
		case config.SectionExemptPaths:
			app.dispatcher.SetExemptPaths(spec.ExemptPaths)
		case config.SectionCachePolicy:
			if app.cache != nil {
				app.dispatcher.SetCachePolicy(cache.NewPolicy(spec.Cache))
			}
		case config.SectionStoreFailClosed:
			app.dispatcher.SetFailClosed(spec.Store.FailClosed)
		default:
			pending = append(pending, section)
			logger.Warn("configuration section changed but is not hot-reloaded; restart the gateway to apply it",
				observability.String("section", section),
			)
			continue
		}
		applied = append(applied, section)
	}

	app.metrics.RecordConfigReload(true)
	logger.Info("configuration reloaded",
		observability.Strings("applied", applied),
		observability.Strings("pending_restart", pending),
		observability.Int("rate_limit_rules", len(spec.RateLimit.Rules)),
		observability.Int("exempt_paths", len(spec.ExemptPaths)),
	)
}
