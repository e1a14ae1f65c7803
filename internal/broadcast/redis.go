package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel is a Channel backed by Redis pub/sub, shared across processes
type RedisChannel struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRedisChannel creates a Redis-backed broadcast channel
func NewRedisChannel(client *redis.Client, namespace string, logger *zap.Logger) *RedisChannel {
	return &RedisChannel{
		client:    client,
		namespace: namespace,
		logger:    logger,
		subs:      make(map[*redis.PubSub]struct{}),
	}
}

func (c *RedisChannel) channelFor(topic string) string {
	return fmt.Sprintf("%s:%s:%s", c.namespace, ChannelName, topic)
}

// Publish sends the message to all subscribers of the topic
func (c *RedisChannel) Publish(ctx context.Context, topic string, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg.Topic = topic
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	if err := c.client.Publish(ctx, c.channelFor(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast message: %w", err)
	}
	return nil
}

// Subscribe listens on the topic until unsubscribed or closed
func (c *RedisChannel) Subscribe(topic string, handler Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ctx := context.Background()
	pubsub := c.client.Subscribe(ctx, c.channelFor(topic))
	// Wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.subs[pubsub] = struct{}{}

	c.wg.Add(1)
	go c.receiveLoop(topic, pubsub, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, pubsub)
			c.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				c.logger.Warn("Failed to close redis subscription", zap.Error(err))
			}
		})
	}, nil
}

func (c *RedisChannel) receiveLoop(topic string, pubsub *redis.PubSub, handler Handler) {
	defer c.wg.Done()

	for raw := range pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			c.logger.Error("Failed to parse broadcast message",
				zap.Error(err),
				zap.String("topic", topic),
			)
			continue
		}
		dispatch(c.logger, topic, handler, msg)
	}
}

// Close unsubscribes everything; the Redis client itself is left open
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[*redis.PubSub]struct{})
	c.mu.Unlock()

	for pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			c.logger.Warn("Failed to close redis subscription", zap.Error(err))
		}
	}
	c.wg.Wait()
	return nil
}
