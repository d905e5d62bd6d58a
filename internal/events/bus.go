// Package events publishes pipeline lifecycle events to Redis pub/sub.
// Publishing is fire-and-forget: a publish failure is logged and never
// blocks or fails job processing.
package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/message-pipeline/internal/domain"
)

// jobCreatedBatchSize bounds how many job.created events are buffered
// per pipelined flush during bulk dispatch.
const jobCreatedBatchSize = 100

// Publisher is the interface job processing code depends on.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
	PublishBatch(ctx context.Context, events []domain.Event)
}

// Bus publishes event envelopes on Redis channels named by subject.
type Bus struct {
	client *redis.Client
}

// NewBus creates a Bus on the given Redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish serializes the envelope and publishes it on the channel named
// by the event subject. Errors are logged, never returned.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Events] marshal failed for %s: %v", event.Subject, err)
		return
	}
	if err := b.client.Publish(ctx, event.Subject, data).Err(); err != nil {
		log.Printf("[Events] publish failed for %s: %v", event.Subject, err)
	}
}

// PublishBatch publishes many envelopes through a single pipelined
// round trip per jobCreatedBatchSize chunk. Used by the producer so a
// 100k-recipient dispatch does not mean 100k Redis round trips.
func (b *Bus) PublishBatch(ctx context.Context, events []domain.Event) {
	for start := 0; start < len(events); start += jobCreatedBatchSize {
		end := start + jobCreatedBatchSize
		if end > len(events) {
			end = len(events)
		}
		pipe := b.client.Pipeline()
		for _, ev := range events[start:end] {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[Events] marshal failed for %s: %v", ev.Subject, err)
				continue
			}
			pipe.Publish(ctx, ev.Subject, data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[Events] batch publish failed: %v", err)
		}
	}
}

// NopPublisher discards all events. Used in tests and when Redis is
// not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event domain.Event) {}

func (NopPublisher) PublishBatch(ctx context.Context, events []domain.Event) {}
