// Package main implements shareproc, which receives shares relayed by other
// pool nodes and persists them locally.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/persistence"
	"github.com/bardlex/poolcore/internal/relay"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err == nil && len(cfg.RelaySources) == 0 {
		err = errors.New("RELAY_SOURCES is required")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"sources", cfg.RelaySources,
		"topics", cfg.RelayTopics,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("shareproc failed")
		os.Exit(1)
	}

	logger.Info("shareproc stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	dbManager, err := database.NewManager(ctx, cfg.Database(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	shares := persistence.NewPipeline(cfg.Persistence(), dbManager.Shares, dbManager.Metrics(), logger)
	sinks := []sink{shares}
	if dbManager.Redis != nil {
		sinks = append(sinks, dbManager.Redis)
	}

	receiver := relay.NewReceiver(relay.ReceiverConfig{
		Sources:        cfg.RelaySources,
		Topics:         cfg.RelayTopics,
		ReceiveTimeout: cfg.RelayReceiveTimeout,
	}, logger)

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan error, 1)
	go func() { persistDone <- shares.Run(persistCtx) }()
	defer func() {
		stopPersist()
		if err := <-persistDone; err != nil {
			logger.WithError(err).Error("share pipeline stopped with error")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx, fanOut(logger, sinks...)) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	dbManager.StartPeriodicTasks(gctx, 30*time.Second)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type sink interface {
	Submit(ctx context.Context, s *share.Share) error
}

// fanOut hands each received share to every sink. A failing sink is logged
// and does not keep the share from the others.
func fanOut(logger *log.Logger, sinks ...sink) relay.Handler {
	return func(ctx context.Context, s *share.Share) error {
		var firstErr error
		for _, sk := range sinks {
			if err := sk.Submit(ctx, s); err != nil {
				logger.WithError(err).Warn("share sink failed", "source", s.Source, "miner", s.Miner)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}
