package main

import (
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/config"
	"github.com/wavework/foreman/internal/events"
)

// newBus builds the event bus: Redis Streams when configured, otherwise
// in-memory. The returned func releases bus resources.
func newBus(cfg *config.Config, logger *zap.Logger) (events.Bus, func()) {
	if cfg.Redis.Addr == "" {
		bus := events.NewMemoryBus()
		return bus, func() { _ = bus.Close() }
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = "foreman"
	}
	bus := events.NewRedisBus(client, "foreman", consumer, logger)
	logger.Info("using redis event bus", zap.String("addr", cfg.Redis.Addr))
	return bus, func() {
		_ = bus.Close()
		_ = client.Close()
	}
}
