// Package persistence batches accepted shares into the share store. A batch
// that cannot be committed is written to a recovery file instead, so no
// accepted share is lost.
package persistence

import (
	"context"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// Store commits a batch of shares in one transaction, together with a
// pending block row for every block candidate.
type Store interface {
	InsertShares(ctx context.Context, shares []*share.Share) error
}

// Metrics receives committed batches for time-series reporting.
type Metrics interface {
	SharesCommitted(ctx context.Context, shares []*share.Share)
}

// Config tunes batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	CommitTimeout time.Duration
	RecoveryPath  string
	Retry         *retry.Config
	Breaker       *circuit.Config
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		QueueSize:     10000,
		CommitTimeout: 30 * time.Second,
		RecoveryPath:  "recovered-shares.jsonl",
	}
}

// Pipeline is the write path. Submit may be called from any goroutine;
// Run owns the buffer.
type Pipeline struct {
	cfg      Config
	store    Store
	metrics  Metrics
	recovery *RecoveryLog
	breaker  *circuit.Breaker
	logger   *log.Logger
	queue    chan *share.Share
}

// NewPipeline creates a pipeline. m may be nil.
func NewPipeline(cfg Config, store Store, m Metrics, logger *log.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = def.CommitTimeout
	}
	if cfg.RecoveryPath == "" {
		cfg.RecoveryPath = def.RecoveryPath
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DatabaseConfig()
	}

	bcfg := cfg.Breaker
	if bcfg == nil {
		bcfg = &circuit.Config{
			Name:            "share_store",
			MaxFailures:     2,
			SuccessRequired: 1,
			Timeout:         30 * time.Second,
			ResetTimeout:    time.Minute,
		}
	}
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(name string, _, to circuit.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		}
	}

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		recovery: NewRecoveryLog(cfg.RecoveryPath),
		breaker:  circuit.New(bcfg),
		logger:   logger.WithComponent("persistence"),
		queue:    make(chan *share.Share, cfg.QueueSize),
	}
}

// Submit queues a share. When the queue is full the share goes straight to
// the recovery file. It never fails.
func (p *Pipeline) Submit(_ context.Context, s *share.Share) error {
	select {
	case p.queue <- s:
	default:
		p.logger.Warn("share queue full, writing to recovery file")
		p.fallback([]*share.Share{s})
	}
	return nil
}

// Run flushes batches until ctx is done, then commits what is left.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*share.Share, 0, p.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		p.commit(ctx, batch)
		batch = make([]*share.Share, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case s := <-p.queue:
					batch = append(batch, s)
				default:
					break drain
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CommitTimeout)
			for len(batch) > 0 {
				n := min(len(batch), p.cfg.BatchSize)
				p.commit(shutdownCtx, batch[:n])
				batch = batch[n:]
			}
			cancel()
			return nil

		case s := <-p.queue:
			batch = append(batch, s)
			if len(batch) >= p.cfg.BatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// commit runs breaker(retry(insert)) and falls back to disk.
func (p *Pipeline) commit(ctx context.Context, batch []*share.Share) {
	start := time.Now()
	err := p.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.cfg.Retry, func() error {
			return p.insert(ctx, batch)
		})
	})
	if err == nil {
		metrics.BatchCommits.WithLabelValues("committed").Inc()
		p.logger.Debug("share batch committed", "count", len(batch), "took", log.HumanDuration(time.Since(start)))
		if p.metrics != nil {
			p.metrics.SharesCommitted(ctx, batch)
		}
		return
	}

	p.logger.WithError(err).Error("share batch not committed, writing to recovery file",
		"count", len(batch), "breaker_open", circuit.IsOpen(err))
	p.fallback(batch)
}

func (p *Pipeline) insert(ctx context.Context, batch []*share.Share) error {
	insertCtx, cancel := context.WithTimeout(ctx, p.cfg.CommitTimeout)
	defer cancel()

	if err := p.store.InsertShares(insertCtx, batch); err != nil {
		// Constraint violations and bad SQL fail the same way every time.
		// An attempt that hit its own deadline is a timeout and worth repeating.
		transient := errors.IsRetryable(err) || insertCtx.Err() != nil
		return errors.Wrap(err, errors.ErrorTypeDatabase, "insert_shares", "share batch commit failed").
			AsRetryable(ctx.Err() == nil && transient).
			WithContext("count", len(batch))
	}
	return nil
}

func (p *Pipeline) fallback(batch []*share.Share) {
	if err := p.recovery.Append(batch); err != nil {
		metrics.BatchCommits.WithLabelValues("lost").Inc()
		p.logger.WithError(err).Error("shares lost, recovery file not writable",
			"count", len(batch), "path", p.recovery.Path())
		return
	}
	metrics.BatchCommits.WithLabelValues("recovered").Inc()
	p.logger.Warn("shares written to recovery file", "count", len(batch), "path", p.recovery.Path())
}
