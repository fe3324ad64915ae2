package bitcoin

import (
	"context"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolcore/pkg/log"
)

// ZMQNotifier subscribes to a daemon's hashblock feed and turns each
// announcement into a refresh trigger.
type ZMQNotifier struct {
	endpoint    string
	pollTimeout time.Duration
	logger      *log.Logger
}

// NewZMQNotifier creates a notifier for endpoint, e.g. tcp://127.0.0.1:28332.
func NewZMQNotifier(endpoint string, logger *log.Logger) *ZMQNotifier {
	return &ZMQNotifier{
		endpoint:    endpoint,
		pollTimeout: time.Second,
		logger:      logger.WithComponent("zmq").WithFields("endpoint", endpoint),
	}
}

// Listen blocks until ctx is done. The socket is owned by this goroutine.
func (z *ZMQNotifier) Listen(ctx context.Context, notify func()) error {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	defer socket.Close()

	if err := socket.SetRcvtimeo(z.pollTimeout); err != nil {
		return fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}
	if err := socket.SetSubscribe("hashblock"); err != nil {
		return fmt.Errorf("failed to subscribe to hashblock: %w", err)
	}
	if err := socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("listening for block notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Warn("failed to receive ZMQ message")
			continue
		}

		if z.handleMessage(msg) {
			notify()
		}
	}
}

// handleMessage reports whether msg announces a new block.
func (z *ZMQNotifier) handleMessage(msg [][]byte) bool {
	if len(msg) < 2 {
		z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
		return false
	}

	topic := string(msg[0])
	if topic != "hashblock" {
		z.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return false
	}
	if len(msg[1]) != 32 {
		z.logger.Warn("invalid block hash length", "length", len(msg[1]))
		return false
	}

	z.logger.Info("new block notification", "hash", reverseHex(msg[1]))
	return true
}

// reverseHex renders a little-endian hash in display order.
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
