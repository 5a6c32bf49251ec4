package main

import (
	"context"
	"fmt"
	"os"

	"psfmatch/internal/cli"
	"psfmatch/internal/config"
	"psfmatch/internal/imageio"
	"psfmatch/internal/logging"
	"psfmatch/internal/pipeline"
	"psfmatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	matchCfg, err := cfg.ToDiffim()
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "database", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx := context.Background()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, matchCfg, imageio.OptionsFromConfig(cfg.ImageIO))
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
