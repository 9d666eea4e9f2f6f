package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/chargemap/chargemap-api/internal/infrastructure/redis"
	"github.com/segmentio/kafka-go"
)

// UsersCacheVersionKey is bumped whenever a user record changes. Cached
// /users pages embed the current version in their key, so a bump makes
// every stale page unreachable without scanning for it.
const UsersCacheVersionKey = "users:version"

// Consumer listens on the users topic and invalidates cached listing
// pages when registrations and profile updates come through.
type Consumer struct {
	reader      *kafka.Reader
	redisClient redis.RedisClient
}

func NewConsumer(brokers []string, topic, groupID string, redisClient redis.RedisClient) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		redisClient: redisClient,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		c.handleEvent(ctx, msg.Value)
	}
}

func (c *Consumer) handleEvent(ctx context.Context, value []byte) {
	var event struct {
		EventType string `json:"event_type"`
		UserID    int64  `json:"user_id"`
	}
	if err := json.Unmarshal(value, &event); err != nil {
		slog.Error("failed to unmarshal user event", "error", err)
		return
	}

	switch event.EventType {
	case "user_registered", "user_updated":
		if _, err := c.redisClient.Incr(ctx, UsersCacheVersionKey, 0); err != nil {
			slog.Error("failed to bump users cache version", "user_id", event.UserID, "error", err)
			return
		}
		slog.Info("users cache invalidated", "event_type", event.EventType, "user_id", event.UserID)
	default:
		slog.Warn("unknown user event", "event_type", event.EventType)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
