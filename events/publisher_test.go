package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

func TestRedisFanOutAcrossHubs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two hubs stand in for two server instances.
	hubs := []*Hub{NewHub(4), NewHub(4)}
	sessions := make([]*Session, len(hubs))
	for i, hub := range hubs {
		sessions[i] = hub.Subscribe("alice")
		go Subscribe(ctx, client, "test-events", hub)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("test-events")["test-events"] < len(hubs) {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pub := NewRedisPublisher(client, "test-events")
	ev, err := domain.NewEvent("alice", domain.EventTaskDeleted, domain.TaskDeletedPayload{TaskID: "t1"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := pub.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, s := range sessions {
		select {
		case got := <-s.Events():
			var payload domain.TaskDeletedPayload
			if err := got.Decode(&payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Name != domain.EventTaskDeleted || payload.TaskID != "t1" {
				t.Fatalf("hub %d: unexpected event %#v", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("hub %d: event not delivered", i)
		}
	}
}

func TestLocalPublisher(t *testing.T) {
	hub := NewHub(1)
	s := hub.Subscribe("alice")
	pub := NewLocalPublisher(hub)
	ev, _ := domain.NewEvent("alice", domain.EventListDeleted, domain.ListDeletedPayload{ListID: "l1"})
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := <-s.Events(); got.Name != domain.EventListDeleted {
		t.Fatalf("unexpected event %s", got.Name)
	}
}
