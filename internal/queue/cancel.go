package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// CancelBus fans /stop requests out to every worker process. The worker running the
// conversation cancels it; the others ignore the message.
type CancelBus struct {
	redis   *redis.Client
	channel string
}

func NewCancelBus(rdb *redis.Client, channel string) *CancelBus {
	return &CancelBus{redis: rdb, channel: channel}
}

// Publish returns the number of listening workers.
func (b *CancelBus) Publish(ctx context.Context, conversationID string) (int64, error) {
	n, err := b.redis.Publish(ctx, b.channel, conversationID).Result()
	if err != nil {
		return 0, fmt.Errorf("publish cancel: %w", err)
	}
	return n, nil
}

// Listen calls fn for each cancelled conversation id until ctx is done.
func (b *CancelBus) Listen(ctx context.Context, fn func(conversationID string)) error {
	ps := b.redis.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe cancel channel: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if id := strings.TrimSpace(msg.Payload); id != "" {
				fn(id)
			}
		}
	}
}
