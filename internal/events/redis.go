package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Bus on Redis Streams, letting multiple foreman
// processes share one event firehose. Each subscriber joins a consumer
// group and acknowledges messages after its handler returns.
type RedisBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
}

// NewRedisBus creates a Redis Streams event bus.
func NewRedisBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}
}

// Publish appends the event to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{"data": string(data)},
	}
	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("add to stream: %w", err)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic))
	return nil
}

// Subscribe joins the topic's consumer group and reads until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	key := streamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, key, b.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	b.logger.Info("subscribed to event stream",
		zap.String("stream", key),
		zap.String("consumer_group", b.consumerGroup),
		zap.String("consumer", b.consumerName))

	go b.readStream(ctx, key, handler)
	return nil
}

func (b *RedisBus) readStream(ctx context.Context, key string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{key, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("read from stream failed", zap.String("stream", key), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.processMessage(ctx, key, msg, handler)
			}
		}
	}
}

func (b *RedisBus) processMessage(ctx context.Context, key string, msg redis.XMessage, handler Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("stream", key), zap.String("message_id", msg.ID))
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		b.logger.Error("unmarshal event failed",
			zap.String("stream", key), zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("stream", key), zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	if err := b.client.XAck(ctx, key, b.consumerGroup, msg.ID).Err(); err != nil {
		b.logger.Error("ack failed",
			zap.String("stream", key), zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}

func streamKey(topic string) string {
	return "foreman:events:" + topic
}

var _ Bus = (*RedisBus)(nil)
