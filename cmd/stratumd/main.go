// Package main implements stratumd, the Stratum v1 front end of the pool.
// It builds jobs from the daemon, validates shares and persists them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/poolcore/internal/ban"
	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/chain"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/persistence"
	"github.com/bardlex/poolcore/internal/relay"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err == nil {
		err = cfg.RequireMining()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"pool_id", cfg.PoolID,
		"network", cfg.Network,
		"listen_addr", cfg.StratumListen,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("stratumd failed")
		os.Exit(1)
	}

	logger.Info("stratumd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	params, err := config.NetworkParams(cfg.Network)
	if err != nil {
		return err
	}

	rpc, err := bitcoin.NewRPCClient(bitcoin.RPCConfig{
		Host:            cfg.RPCHost,
		Port:            cfg.RPCPort,
		User:            cfg.RPCUser,
		Password:        cfg.RPCPassword,
		OnBreakerChange: breakerGauge,
	})
	if err != nil {
		return err
	}
	defer rpc.Close()
	if err := rpc.Ping(ctx); err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}

	adapter, err := bitcoin.NewAdapter(rpc, bitcoin.AdapterConfig{
		Network:         params,
		PayoutAddress:   cfg.PayoutAddress,
		CoinbaseTag:     cfg.CoinbaseTag,
		ExtraNonce1Size: cfg.ExtraNonce1Size,
		ExtraNonce2Size: cfg.ExtraNonce2Size,
	}, logger)
	if err != nil {
		return err
	}

	var push []chain.PushSource
	if cfg.ZMQEndpoint != "" {
		push = append(push, bitcoin.NewZMQNotifier(cfg.ZMQEndpoint, logger))
	}
	jobManager := jobs.NewManager(cfg.Jobs(), adapter, chain.SameTip, logger, push...)

	dbManager, err := database.NewManager(ctx, cfg.Database(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	bans := ban.NewManager(cfg.Ban(), dbManager.BanStore(), logger)
	shares := persistence.NewPipeline(cfg.Persistence(), dbManager.Shares, dbManager.Metrics(), logger)

	shareSinks := []stratum.ShareSink{shares}
	var blockSinks []stratum.BlockSink
	var queued []*stratum.QueuedSink
	queue := func(name string, sink stratum.ShareSink) stratum.ShareSink {
		q := stratum.NewQueuedSink(name, sink, cfg.SinkQueueSize, cfg.SinkTimeout, logger)
		queued = append(queued, q)
		return q
	}
	if dbManager.Redis != nil {
		shareSinks = append(shareSinks, queue("redis", dbManager.Redis))
	}
	if dbManager.Influx != nil {
		blockSinks = append(blockSinks, dbManager.Influx)
	}

	if cfg.RelayPublish != "" {
		publisher, err := newRelayPublisher(cfg, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		shareSinks = append(shareSinks, publisher)
	}

	var events *messaging.Events
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		events = messaging.NewEvents(kafkaClient, cfg.PoolID, logger)
		blockSinks = append(blockSinks, events)
		if cfg.KafkaPublishShares {
			shareSinks = append(shareSinks, queue("kafka", events))
		}
	}

	work := bitcoin.Work{}
	server := stratum.NewServer(
		cfg.Stratum(),
		jobManager,
		validation.NewPipeline(cfg.Validation(), work, work),
		adapter,
		bans,
		logger,
		stratum.WithMinerValidator(addressValidator(params)),
		stratum.WithShareSinks(shareSinks...),
		stratum.WithBlockSinks(blockSinks...),
	)

	// The share pipeline outlives the server so shares accepted during
	// shutdown still reach the store or the recovery file.
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
	g.Go(func() error { return jobManager.Run(gctx) })
	g.Go(func() error { return bans.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	for _, q := range queued {
		g.Go(func() error { return q.Run(gctx) })
	}
	if events != nil {
		jobEvents := jobManager.Subscribe(16)
		g.Go(func() error { return events.RunJobs(gctx, jobEvents) })
	}
	g.Go(func() error {
		if err := jobManager.WaitForSync(gctx); err != nil {
			return ignoreCanceled(err)
		}
		return server.ListenAndServe(gctx)
	})
	dbManager.StartPeriodicTasks(gctx, 30*time.Second)

	return ignoreCanceled(g.Wait())
}

func newRelayPublisher(cfg *config.Config, logger *log.Logger) (*relay.Publisher, error) {
	enc, err := relay.ParseEncoding(cfg.RelayEncoding)
	if err != nil {
		return nil, err
	}
	return relay.NewPublisher(relay.PublisherConfig{
		Endpoint: cfg.RelayPublish,
		PoolID:   cfg.PoolID,
		Encoding: enc,
		Compress: cfg.RelayCompress,
	}, logger)
}

// addressValidator accepts miner names that are addresses on net.
func addressValidator(net *chaincfg.Params) stratum.MinerValidator {
	return func(miner string) bool {
		addr, err := btcutil.DecodeAddress(miner, net)
		return err == nil && addr.IsForNet(net)
	}
}

func breakerGauge(name string, _, to circuit.State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
