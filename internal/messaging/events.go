package messaging

import (
	"context"

	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/share"
	"github.com/bardlex/poolcore/pkg/log"
)

type publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Events publishes the events of one pool.
type Events struct {
	client publisher
	poolID string
	logger *log.Logger
}

// NewEvents creates an event publisher for poolID.
func NewEvents(client *KafkaClient, poolID string, logger *log.Logger) *Events {
	return &Events{client: client, poolID: poolID, logger: logger.WithComponent("events")}
}

// RunJobs publishes every job event until ctx is done or events is closed.
// Publish failures are logged; the next job replaces a lost one.
func (e *Events) RunJobs(ctx context.Context, events <-chan jobs.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.client.PublishJSON(ctx, TopicJobs, e.poolID, newJobMessage(e.poolID, ev)); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Warn("failed to publish job", "job_id", ev.JobID)
			}
		}
	}
}

// Submit publishes an accepted share keyed by miner.
func (e *Events) Submit(ctx context.Context, s *share.Share) error {
	return e.client.PublishJSON(ctx, TopicShares, s.Miner, newShareMessage(s))
}

// BlockFound publishes a block the daemon accepted.
func (e *Events) BlockFound(ctx context.Context, s *share.Share) error {
	return e.client.PublishJSON(ctx, TopicBlocks, s.BlockHash, newBlockMessage(s))
}
