package keydir

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus carries key id invalidations between gateway instances.
type Bus interface {
	Publish(ctx context.Context, keyID string) error
	Listen(ctx context.Context, fn func(keyID string)) error
}

// PubSubClient is the subset of database.Redis the bus needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	client  PubSubClient
	channel string
	ready   chan struct{}
	once    sync.Once
}

// NewRedisBus creates a RedisBus on channel.
func NewRedisBus(client PubSubClient, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel, ready: make(chan struct{})}
}

// Publish announces that keyID changed.
func (b *RedisBus) Publish(ctx context.Context, keyID string) error {
	return b.client.Publish(ctx, b.channel, keyID)
}

// Ready is closed once Listen holds an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Listen calls fn for every received key id until ctx is done. It may be
// called again after it returns.
func (b *RedisBus) Listen(ctx context.Context, fn func(keyID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("keydir: subscribe %s: %w", b.channel, err)
	}
	b.once.Do(func() { close(b.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
