// Package main is the entry point for the API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	dotenvPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags(args []string) cliFlags {
	var f cliFlags

	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (default $GATEWAY_CONFIG_PATH)")
	fs.StringVar(&f.dotenvPath, "env-file", ".env", "Optional dotenv file")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)

	return f
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("medgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func run(flags cliFlags) error {
	overlay, err := loadEnv(flags.dotenvPath)
	if err != nil {
		return err
	}
	if flags.configPath != "" {
		overlay.ConfigPath = flags.configPath
	}
	if flags.logLevel != "" {
		overlay.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		overlay.LogFormat = flags.logFormat
	}

	cfg, err := loadConfig(overlay)
	if err != nil {
		return err
	}

	zl, err := observability.NewZapLogger(observability.LogConfig{
		Level:  cfg.Spec.Observability.Logging.Level,
		Format: cfg.Spec.Observability.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	observability.InstallOTelLogger(zl)
	logger := observability.NewLoggerFromZap(zl)

	logger.Info("starting medgw",
		observability.String("version", version),
		observability.String("config", overlay.ConfigPath),
	)
	logger.Info("configuration loaded",
		observability.String("name", cfg.Metadata.Name),
		observability.Int("backends", len(cfg.Spec.Backends)),
		observability.String("store", cfg.Spec.Store.Type),
		observability.Bool("rate_limit", cfg.Spec.RateLimit.Enabled),
		observability.Bool("cache", cfg.Spec.Cache.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		return err
	}

	watcher := startConfigWatcher(ctx, app, overlay.ConfigPath, overlay)
	if err := app.run(ctx, watcher); err != nil {
		logger.Error("gateway exited with error", observability.Error(err))
		return err
	}
	return nil
}

// loadConfig reads the configuration file, applies the environment
// overlay and validates the result. A missing file falls back to the
// built-in configuration.
func loadConfig(overlay envConfig) (*config.GatewayConfig, error) {
	var cfg *config.GatewayConfig
	if _, err := os.Stat(overlay.ConfigPath); err == nil {
		cfg, err = config.LoadConfig(overlay.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		cfg = config.DefaultConfig()
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", overlay.ConfigPath, err)
	}

	overlay.apply(cfg)

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
