package relay

import (
	"context"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// ReceiverConfig configures the SUB side.
type ReceiverConfig struct {
	// Sources are connected, e.g. tcp://node-a:6000.
	Sources []string
	// Topics restricts the pool ids received. Empty receives every pool.
	Topics []string
	// ReceiveTimeout re-creates a subscription that has been silent this long.
	ReceiveTimeout time.Duration
	// PollInterval bounds each blocking receive so shutdown is observed.
	PollInterval time.Duration
	// Dial retries a failed subscription.
	Dial *retry.Config
}

// Handler consumes a received share.
type Handler func(ctx context.Context, s *share.Share) error

type subscriber interface {
	RecvMessageBytes(flags zmq.Flag) ([][]byte, error)
	Close() error
}

type dialFunc func(endpoint string, topics []string, poll time.Duration) (subscriber, error)

// Receiver subscribes to other nodes and re-emits their shares locally.
type Receiver struct {
	cfg     ReceiverConfig
	tracker *Tracker
	dial    dialFunc
	logger  *log.Logger
}

// NewReceiver creates a receiver. Nothing is connected until Run.
func NewReceiver(cfg ReceiverConfig, logger *log.Logger) *Receiver {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = retry.NetworkConfig()
		cfg.Dial.MaxAttempts = 10
		cfg.Dial.MaxDelay = 10 * time.Second
	}
	return &Receiver{
		cfg:     cfg,
		tracker: NewTracker(),
		dial:    dialZMQ,
		logger:  logger.WithComponent("relay_receiver"),
	}
}

func dialZMQ(endpoint string, topics []string, poll time.Duration) (subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(poll); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, topic := range topics {
		if err := socket.SetSubscribe(topic); err != nil {
			_ = socket.Close()
			return nil, fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return socket, nil
}

// Run receives from every source until ctx is done.
func (r *Receiver) Run(ctx context.Context, handle Handler) error {
	if len(r.cfg.Sources) == 0 {
		return fmt.Errorf("no relay sources configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range r.cfg.Sources {
		g.Go(func() error {
			return r.receive(ctx, source, handle)
		})
	}
	return g.Wait()
}

func (r *Receiver) subscribe(ctx context.Context, endpoint string) (subscriber, error) {
	return retry.DoWithResult(ctx, r.cfg.Dial, func() (subscriber, error) {
		sub, err := r.dial(endpoint, r.cfg.Topics, r.cfg.PollInterval)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRelay, "relay_subscribe", "failed to subscribe").
				WithContext("endpoint", endpoint).AsRetryable(true)
		}
		return sub, nil
	})
}

// receive owns one subscription. The socket never leaves this goroutine.
func (r *Receiver) receive(ctx context.Context, endpoint string, handle Handler) error {
	logger := r.logger.WithFields("endpoint", endpoint)

	for ctx.Err() == nil {
		sub, err := r.subscribe(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("subscribed to relay source")

		r.drain(ctx, sub, logger, handle)
		_ = sub.Close()
		if ctx.Err() == nil {
			metrics.RelayMessages.WithLabelValues("in", "resubscribe").Inc()
			logger.Warn("relay source silent, resubscribing", "timeout", log.HumanDuration(r.cfg.ReceiveTimeout))
		}
	}
	return nil
}

// drain reads from sub until ctx is done or nothing arrived for ReceiveTimeout.
func (r *Receiver) drain(ctx context.Context, sub subscriber, logger *log.Logger, handle Handler) {
	last := time.Now()
	for ctx.Err() == nil {
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
				logger.WithError(err).Warn("failed to receive relay message")
			}
			if time.Since(last) >= r.cfg.ReceiveTimeout {
				return
			}
			continue
		}
		last = time.Now()
		r.handleFrames(ctx, frames, logger, handle)
	}
}

func (r *Receiver) handleFrames(ctx context.Context, frames [][]byte, logger *log.Logger, handle Handler) {
	if len(frames) != 3 {
		metrics.RelayMessages.WithLabelValues("in", "malformed").Inc()
		logger.Warn("dropping relay message", "parts", len(frames))
		return
	}

	env, err := Decode(frames[1], frames[2])
	if err != nil {
		metrics.RelayMessages.WithLabelValues("in", "malformed").Inc()
		logger.WithError(err).Warn("dropping relay message", "topic", string(frames[0]))
		return
	}
	if !r.tracker.Accept(env.Origin, env.Epoch, env.Seq) {
		metrics.RelayMessages.WithLabelValues("in", "duplicate").Inc()
		return
	}

	s := env.Share.Clone()
	s.Source = env.Origin
	if err := handle(ctx, s); err != nil {
		metrics.RelayMessages.WithLabelValues("in", "error").Inc()
		logger.WithError(err).Error("failed to handle relayed share", "origin", env.Origin, "seq", env.Seq)
		return
	}
	metrics.RelayMessages.WithLabelValues("in", "received").Inc()
}
