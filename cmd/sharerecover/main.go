// Package main implements sharerecover, which imports a share recovery file
// into the configured store once it is reachable again.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/persistence"
	"github.com/bardlex/poolcore/pkg/log"
)

type options struct {
	file      string
	batchSize int
}

func parseFlags(args []string, defaultFile string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("sharerecover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.file, "file", defaultFile, "recovery file to import")
	fs.IntVar(&opts.batchSize, "batch", 500, "shares per insert")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.file == "" {
		return opts, fmt.Errorf("-file is required")
	}
	if opts.batchSize <= 0 {
		return opts, fmt.Errorf("-batch must be positive")
	}
	return opts, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts, err := parseFlags(os.Args[1:], cfg.RecoveryPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := recoverShares(ctx, cfg, opts, logger)
	if err != nil {
		logger.WithError(err).Error("share recovery failed", "file", opts.file)
		os.Exit(1)
	}
	if res.Failed > 0 {
		os.Exit(1)
	}
}

func recoverShares(ctx context.Context, cfg *config.Config, opts options, logger *log.Logger) (persistence.ReplayResult, error) {
	dbCfg := cfg.Database()
	// Only the share store is needed to replay.
	dbCfg.Redis, dbCfg.Influx = nil, nil

	dbManager, err := database.NewManager(ctx, dbCfg, logger)
	if err != nil {
		return persistence.ReplayResult{}, err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	start := time.Now()
	res, err := persistence.Replay(ctx, opts.file, dbManager.Shares, opts.batchSize, logger)
	if err != nil {
		return res, err
	}

	logger.Info("share recovery finished",
		"file", opts.file,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"elapsed", log.HumanDuration(time.Since(start)),
	)
	return res, nil
}
