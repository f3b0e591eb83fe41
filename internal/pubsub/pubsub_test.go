package pubsub

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/teamchat/internal/logger"
)

func init() {
	logger.Init(logger.Config{Output: io.Discard, Sync: true})
}

type payload struct {
	MessageID string `json:"message_id"`
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestMemoryBusRoundTrip(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	general, err := bus.Subscribe(ctx, ChannelTopic("general"))
	if err != nil {
		t.Fatal(err)
	}
	userB, err := bus.Subscribe(ctx, UserTopic("B"))
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev, err := NewEvent("e1", "message.created", payload{MessageID: "m1"}, at)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(ctx, UserTopic("B"), ev); err != nil {
		t.Fatal(err)
	}

	got := recv(t, userB)
	if got.ID != "e1" || got.Type != "message.created" || !got.At.Equal(at) {
		t.Errorf("event = %+v", got)
	}
	var p payload
	if err := got.DecodePayload(&p); err != nil || p.MessageID != "m1" {
		t.Errorf("payload = %+v, err %v", p, err)
	}

	select {
	case ev := <-general:
		t.Errorf("channel topic received user event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	ev, _ := NewEvent("e1", "typing", payload{}, time.Now())
	if err := bus.Publish(context.Background(), UserTopic("nobody"), ev); err != nil {
		t.Errorf("publish without subscribers: %v", err)
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, UserTopic("A"))
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestTopics(t *testing.T) {
	if got := ChannelTopic("general"); got != "chat.channel.general" {
		t.Errorf("ChannelTopic = %q", got)
	}
	if got := UserTopic("B"); got != "chat.user.B" {
		t.Errorf("UserTopic = %q", got)
	}
}
