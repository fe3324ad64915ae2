package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// PublisherConfig configures the PUB side.
type PublisherConfig struct {
	// Endpoint is bound, e.g. tcp://*:6000.
	Endpoint string
	// Origin identifies this node to receivers. Defaults to the pool id.
	Origin   string
	PoolID   string
	Encoding Encoding
	Compress bool
	// SendHWM bounds the queue per subscriber. Messages over it are dropped.
	SendHWM int
}

type sender interface {
	SendMessage(parts ...any) (int, error)
	Close() error
}

// Publisher sends every accepted share to the configured endpoint.
type Publisher struct {
	mu     sync.Mutex
	socket sender
	codec  Codec
	topic  string
	origin string
	epoch  int64
	seq    uint64 // guarded by mu
	logger *log.Logger
}

// NewPublisher binds a PUB socket.
func NewPublisher(cfg PublisherConfig, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if cfg.SendHWM > 0 {
		if err := socket.SetSndhwm(cfg.SendHWM); err != nil {
			_ = socket.Close()
			return nil, fmt.Errorf("failed to set ZMQ send HWM: %w", err)
		}
	}
	if err := socket.Bind(cfg.Endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind relay endpoint %s: %w", cfg.Endpoint, err)
	}

	p := newPublisher(socket, cfg, time.Now(), logger)
	p.logger.Info("share relay publishing", "encoding", p.codec.Encoding.String(), "compress", cfg.Compress)
	return p, nil
}

func newPublisher(socket sender, cfg PublisherConfig, start time.Time, logger *log.Logger) *Publisher {
	origin := cfg.Origin
	if origin == "" {
		origin = cfg.PoolID
	}
	enc := cfg.Encoding
	if enc == 0 {
		enc = EncodingJSON
	}
	return &Publisher{
		socket: socket,
		codec:  Codec{Encoding: enc, Compress: cfg.Compress},
		topic:  cfg.PoolID,
		origin: origin,
		epoch:  start.UnixNano(),
		logger: logger.WithComponent("relay").WithFields("endpoint", cfg.Endpoint, "origin", origin),
	}
}

// Submit publishes s. It never blocks on slow subscribers. Sequence
// numbers are assigned under the send lock so they leave the socket in order.
func (p *Publisher) Submit(_ context.Context, s *share.Share) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	env := &Envelope{Origin: p.origin, Epoch: p.epoch, Seq: p.seq + 1, Share: s}
	flags, payload, err := p.codec.Encode(env)
	if err != nil {
		metrics.RelayMessages.WithLabelValues("out", "encode_error").Inc()
		return errors.Wrap(err, errors.ErrorTypeRelay, "relay_encode", "failed to encode share").
			AsRetryable(false)
	}
	p.seq = env.Seq

	if _, err := p.socket.SendMessage(p.topic, flags, payload); err != nil {
		metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		return errors.Wrap(err, errors.ErrorTypeRelay, "relay_send", "failed to publish share")
	}
	metrics.RelayMessages.WithLabelValues("out", "sent").Inc()
	return nil
}

// Close closes the socket.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket.Close()
}
