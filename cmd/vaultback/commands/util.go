package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/vaultback/vaultback/internal/config"
	"github.com/vaultback/vaultback/internal/engine"
	"github.com/vaultback/vaultback/internal/logger"
)

// loadStack loads configuration, initializes the structured logger, and
// builds the full engine.Stack one subcommand run needs. The returned
// context carries a fresh run id, so every log line produced for the rest
// of the run can be correlated back to this one invocation.
func loadStack(ctx context.Context) (context.Context, *engine.Stack, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return ctx, nil, err
	}

	if err := initLogger(cfg); err != nil {
		return ctx, nil, err
	}

	ctx = logger.WithContext(ctx, logger.NewLogContext(uuid.NewString()))

	stack, err := engine.Build(ctx, cfg)
	return ctx, stack, err
}

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, and its
// associated stop function, so a run in progress gets a chance to finish
// its current manifest transaction rather than being killed mid-commit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
