package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/incentive-ledger/generic"
)

// Message is the JSON published for each notification.
type Message struct {
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func MessageOf(n generic.Notification) Message {
	return Message{
		OwnerID:   string(n.OwnerID),
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

// RedisSink publishes notifications on a pub/sub channel consumed by the
// push/SMS service.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "ledger:notifications"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, n generic.Notification) error {
	payload, err := json.Marshal(MessageOf(n))
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}
