package settings

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the Redis pub/sub channel carrying settings-change
// notifications between processes.
const InvalidationChannel = "agencycore:settings:invalidate"

// Invalidator propagates cache invalidations across processes through Redis.
// A nil client degrades to local-only invalidation; every method is a no-op.
type Invalidator struct {
	client *redis.Client
	logger *slog.Logger
}

// NewInvalidator creates an invalidator. client may be nil.
func NewInvalidator(client *redis.Client, logger *slog.Logger) *Invalidator {
	return &Invalidator{client: client, logger: logger}
}

// Publish notifies all subscribed processes. Best effort: a failed publish is
// logged, not returned, since the local invalidation already happened and the
// other processes fall back to TTL expiry.
func (i *Invalidator) Publish(ctx context.Context) {
	if i.client == nil {
		return
	}
	if err := i.client.Publish(ctx, InvalidationChannel, "invalidate").Err(); err != nil {
		i.logger.Warn("failed to publish settings invalidation", "error", err)
	}
}

// Listen subscribes and drops the local snapshot on every notification.
// Blocks until ctx is done; run it in its own goroutine.
func (i *Invalidator) Listen(ctx context.Context, cache *Cache) {
	if i.client == nil {
		return
	}

	sub := i.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			i.logger.Debug("settings invalidation received", "channel", msg.Channel)
			cache.Invalidate()
		}
	}
}
