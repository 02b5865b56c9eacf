package message

import (
	"context"
	"testing"
	"time"

	"parsec/backend/internal/event"
)

func TestSendAndGet(t *testing.T) {
	bus := event.NewBus()
	var events []event.Event
	bus.Connect(func(e event.Event) { events = append(events, e) })

	c := NewComponent(NewMemoryRepository(), bus)
	ctx := context.Background()
	t0 := time.Now().UTC()

	if err := c.Send(ctx, "acme", "alice/dev1", "bob", t0, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(ctx, "acme", "alice/dev1", "bob", t0.Add(time.Second), []byte("again")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(ctx, "acme", "alice/dev1", "carl", t0, []byte("other queue")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := c.Get(ctx, "acme", "bob", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Index != 1 || msgs[1].Index != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if string(msgs[0].Body) != "hello" || msgs[0].Sender != "alice/dev1" {
		t.Errorf("first message = %+v", msgs[0])
	}

	msgs, err = c.Get(ctx, "acme", "bob", 1)
	if err != nil {
		t.Fatalf("Get offset 1: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Index != 2 {
		t.Errorf("offset 1 messages = %+v", msgs)
	}

	msgs, err = c.Get(ctx, "acme", "bob", 10)
	if err != nil || msgs != nil {
		t.Errorf("past-end Get = %v, %v, want empty", msgs, err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	got := events[1].(event.MessageReceived)
	if got.Recipient != "bob" || got.Index != 2 {
		t.Errorf("second event = %+v", got)
	}
}
