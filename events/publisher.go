package events

import (
	"bytes"
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "boardsync-events"

// LocalPublisher delivers events straight to an in-process hub.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.hub.Broadcast(ev)
	return nil
}

// RedisPublisher publishes events on a Redis channel so every instance can
// deliver them to its own sessions.
type RedisPublisher struct {
	rc      *redis.Client
	channel string
}

func NewRedisPublisher(rc *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rc: rc, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, data).Err()
}

// Subscribe relays events from the Redis channel into hub until ctx is done,
// resubscribing when the channel closes.
func Subscribe(ctx context.Context, rc *redis.Client, channel string, hub *Hub) {
	if channel == "" {
		channel = DefaultChannel
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var ev domain.Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					log.WithError(err).Error("unable to parse event")
					continue
				}
				if ev.UserID == "" || ev.Name == "" {
					log.WithField("payload", msg.Payload).Warn("ignoring event without user or name")
					continue
				}
				hub.Broadcast(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Frame encodes ev as a server-sent event.
func Frame(ev domain.Event) []byte {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(ev.Name)
	b.WriteString("\ndata: ")
	b.Write(ev.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}
