// Package stream publishes timeline changes to Redis pub/sub for streaming clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// Event names carried in the message envelope.
const (
	EventUpdate       = "update"
	EventDelete       = "delete"
	EventNotification = "notification"
)

// Message is the JSON envelope published on a channel.
type Message struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

// Publisher pushes timeline events to subscribers.
type Publisher interface {
	Update(ctx context.Context, key model.TimelineKey, statusID int64) error
	Delete(ctx context.Context, key model.TimelineKey, statusID int64) error
	Notification(ctx context.Context, accountID, notificationID int64) error
}

// Channel returns the pub/sub channel for key. Per-account tag timelines
// have no stream of their own.
func Channel(key model.TimelineKey) (string, bool) {
	switch key.Kind {
	case model.TimelineHome:
		return fmt.Sprintf("timeline:%d", key.AccountID), true
	case model.TimelineList:
		return fmt.Sprintf("timeline:list:%d", key.ListID), true
	case model.TimelineDirect:
		return fmt.Sprintf("timeline:direct:%d", key.AccountID), true
	}
	return "", false
}

// RedisPublisher publishes on a go-redis client.
type RedisPublisher struct {
	rdb redis.Cmdable
}

func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Update(ctx context.Context, key model.TimelineKey, statusID int64) error {
	return p.timeline(ctx, key, EventUpdate, statusID)
}

func (p *RedisPublisher) Delete(ctx context.Context, key model.TimelineKey, statusID int64) error {
	return p.timeline(ctx, key, EventDelete, statusID)
}

// Notification goes out on the recipient's home channel.
func (p *RedisPublisher) Notification(ctx context.Context, accountID, notificationID int64) error {
	return p.publish(ctx, model.HomeTimeline(accountID), EventNotification, notificationID)
}

func (p *RedisPublisher) timeline(ctx context.Context, key model.TimelineKey, event string, id int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, key, event, id)
}

func (p *RedisPublisher) publish(ctx context.Context, key model.TimelineKey, event string, id int64) error {
	channel, ok := Channel(key)
	if !ok {
		return nil
	}
	body, err := json.Marshal(Message{Event: event, Payload: strconv.FormatInt(id, 10)})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

// Nop discards everything. Used by benches that measure the store alone.
type Nop struct{}

func (Nop) Update(context.Context, model.TimelineKey, int64) error { return nil }
func (Nop) Delete(context.Context, model.TimelineKey, int64) error { return nil }
func (Nop) Notification(context.Context, int64, int64) error       { return nil }
