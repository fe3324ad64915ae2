package stratum

import (
	"context"
	"time"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// QueuedSink feeds a slow ShareSink from a bounded queue so a session's
// read loop never waits on it. Shares that do not fit are dropped and
// counted. Use it for best-effort sinks such as worker counters and event
// streams, never for the share store.
type QueuedSink struct {
	name    string
	sink    ShareSink
	queue   chan *share.Share
	timeout time.Duration
	logger  *log.Logger
}

// NewQueuedSink wraps sink with a queue of size entries. Each delivery is
// bounded by timeout.
func NewQueuedSink(name string, sink ShareSink, size int, timeout time.Duration, logger *log.Logger) *QueuedSink {
	return &QueuedSink{
		name:    name,
		sink:    sink,
		queue:   make(chan *share.Share, max(size, 1)),
		timeout: timeout,
		logger:  logger.WithComponent("sink").WithFields("sink", name),
	}
}

// Submit enqueues s without blocking.
func (q *QueuedSink) Submit(_ context.Context, s *share.Share) error {
	select {
	case q.queue <- s:
		return nil
	default:
		metrics.SinkShares.WithLabelValues(q.name, "dropped").Inc()
		return errors.New(errors.ErrorTypeInternal, "sink_enqueue", "sink queue full").
			WithContext("sink", q.name)
	}
}

// Run delivers queued shares in order until ctx is done.
func (q *QueuedSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-q.queue:
			q.deliver(ctx, s)
		}
	}
}

func (q *QueuedSink) deliver(ctx context.Context, s *share.Share) {
	callCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	if err := q.sink.Submit(callCtx, s); err != nil {
		metrics.SinkShares.WithLabelValues(q.name, "failed").Inc()
		if ctx.Err() == nil {
			q.logger.WithError(err).Warn("share delivery failed", "miner", s.Miner)
		}
		return
	}
	metrics.SinkShares.WithLabelValues(q.name, "delivered").Inc()
}
