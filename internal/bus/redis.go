package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis PUBLISH/SUBSCRIBE channel used by RedisHub.
const DefaultChannel = "dispatch:events"

// RedisHub shares notifications across server processes. Each process holds
// one Redis subscription and fans incoming messages out to local subscribers.
type RedisHub struct {
	client  *redis.Client
	channel string
	local   *MemoryHub
	pubsub  *redis.PubSub
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisHub subscribes to channel and starts the fan-out loop.
func NewRedisHub(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*RedisHub, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h := &RedisHub{
		client:  client,
		channel: channel,
		local:   NewMemoryHub(),
		pubsub:  pubsub,
		logger:  logger,
		cancel:  cancel,
	}
	h.wg.Add(1)
	go h.loop(loopCtx)
	return h, nil
}

func (h *RedisHub) loop(ctx context.Context) {
	defer h.wg.Done()
	msgs := h.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				h.logger.Warn("bus: drop malformed notification", "error", err)
				continue
			}
			h.local.deliver(n)
		}
	}
}

// Publish sends n to every process subscribed to the channel, including this one.
func (h *RedisHub) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return h.client.Publish(ctx, h.channel, payload).Err()
}

// Subscribe registers a local subscriber.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	return h.local.Subscribe(ctx, filter)
}

// Close stops the fan-out loop and releases the Redis subscription.
func (h *RedisHub) Close() error {
	h.cancel()
	err := h.pubsub.Close()
	h.wg.Wait()
	_ = h.local.Close()
	return err
}

var _ Hub = (*RedisHub)(nil)
