// Package pushsync carries job row changes from the server to clients over Redis pub/sub.
package pushsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"bulk-job-orchestrator/internal/models"
)

// Channel returns the pub/sub channel carrying changes for one principal.
func Channel(principal string) string {
	return "bulkjobs:changes:" + principal
}

// Publisher emits change events for job rows.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, principal string, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(principal), payload).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", change.Record.ID, err)
	}
	return nil
}

// Feed delivers decoded changes until ctx ends.
type Feed interface {
	Listen(ctx context.Context, handle func(models.Change)) error
}

// RedisFeed subscribes to one principal's change channel.
type RedisFeed struct {
	client    *redis.Client
	principal string
	logger    *slog.Logger
	ready     chan struct{}
}

func NewRedisFeed(client *redis.Client, principal string, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, principal: principal, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the subscription is confirmed.
func (f *RedisFeed) Ready() <-chan struct{} {
	return f.ready
}

func (f *RedisFeed) Listen(ctx context.Context, handle func(models.Change)) error {
	sub := f.client.Subscribe(ctx, Channel(f.principal))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel(f.principal), err)
	}
	close(f.ready)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var change models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn("skipping malformed change", slog.Any("error", err))
				continue
			}
			handle(change)
		}
	}
}
