package redis

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/messaging"
)

// PubSubClient adapts Cache to messaging.RedisClient. Channel names passed
// in and handed out are un-namespaced; the key prefix is applied here.
type PubSubClient struct {
	cache *Cache

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewPubSubClient creates the adapter.
func NewPubSubClient(cache *Cache) *PubSubClient {
	return &PubSubClient{cache: cache}
}

// Publish implements messaging.RedisClient.
func (c *PubSubClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.cache.Publish(ctx, channel, payload)
}

// PSubscribe implements messaging.RedisClient. The returned channel closes
// when ctx is done or the client is closed.
func (c *PubSubClient) PSubscribe(ctx context.Context, pattern string) (<-chan messaging.RedisMessage, error) {
	ps := c.cache.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so no early message is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	c.mu.Lock()
	c.subs = append(c.subs, ps)
	c.mu.Unlock()

	out := make(chan messaging.RedisMessage, 64)
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				m := messaging.RedisMessage{
					Channel: strings.TrimPrefix(msg.Channel, c.cache.prefix),
					Payload: []byte(msg.Payload),
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the subscriptions opened by this client. The underlying
// Cache stays open.
func (c *PubSubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, ps := range c.subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.subs = nil
	return firstErr
}
