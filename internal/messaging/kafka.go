// Package messaging publishes pool events to Kafka for downstream consumers
// such as payout and statistics services.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient is a lazily dialed producer with one writer per topic.
// Writes go through a breaker so calls fail fast while the broker is down.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger
	breaker *circuit.Breaker
	retry   *retry.Config

	mu        sync.Mutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
}

// NewKafkaClient creates a client for brokers. Nothing is dialed until the
// first publish.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		breaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         15 * time.Second,
			ResetTimeout:    time.Minute,
			OnStateChange: func(name string, _, to circuit.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
		retry:   retry.NetworkConfig(),
		writers: make(map[string]messageWriter),
	}
	k.newWriter = k.dial
	return k
}

// dial returns a writer keyed by message key so a miner's shares stay
// ordered within one partition.
func (k *KafkaClient) dial(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

func (k *KafkaClient) producer(topic string) messageWriter {
	k.mu.Lock()
	defer k.mu.Unlock()

	w, ok := k.writers[topic]
	if !ok {
		w = k.newWriter(topic)
		k.writers[topic] = w
		k.logger.Debug("opened producer", "topic", topic)
	}
	return w
}

// PublishJSON encodes v and writes it to topic under key.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	value, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_event", "cannot encode event").
			WithContext("topic", topic)
	}
	msg := kafka.Message{Key: []byte(key), Value: value}

	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retry, func() error {
			msg.Time = time.Now()
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish", "write rejected").
					WithContext("topic", topic).
					WithContext("bytes", len(value)).
					AsRetryable(ctx.Err() == nil)
			}
			return nil
		})
	})
}

// Close flushes and closes every writer. The client can be reused afterwards.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	writers := k.writers
	k.writers = make(map[string]messageWriter)
	k.mu.Unlock()

	var firstErr error
	for topic, w := range writers {
		if err := w.Close(); err != nil {
			k.logger.WithError(err).Warn("producer close failed", "topic", topic)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
