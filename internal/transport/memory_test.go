package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemoryHubFansOutToAllSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	first, err := hub.Open(ctx, "rundown:abc")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer first.Close()
	second, err := hub.Open(ctx, "rundown:abc")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer second.Close()
	unrelated, err := hub.Open(ctx, "rundown:other")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer unrelated.Close()

	message := Message{Kind: MessageKindUpdate, Sender: "session-1", Payload: []byte("delta")}
	if err := first.Publish(ctx, message); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for _, conn := range []Conn{first, second} {
		select {
		case received := <-conn.Messages():
			if received.Kind != MessageKindUpdate || received.Sender != "session-1" {
				t.Fatalf("unexpected message %+v", received)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected fanout within deadline")
		}
	}

	select {
	case <-unrelated.Messages():
		t.Fatal("did not expect message on unrelated channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryHubStateSurvivesConnections(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	first, err := hub.Open(ctx, "rundown:state")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.SetState(ctx, []byte("snapshot")); err != nil {
		t.Fatalf("set state failed: %v", err)
	}
	first.Close() //nolint:errcheck

	second, err := hub.Open(ctx, "rundown:state")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer second.Close()
	state, err := second.State(ctx)
	if err != nil {
		t.Fatalf("state read failed: %v", err)
	}
	if string(state) != "snapshot" {
		t.Fatalf("expected persisted state, got %q", state)
	}
}

func TestMemoryHubKickClosesStreams(t *testing.T) {
	hub := NewMemoryHub()
	conn, err := hub.Open(context.Background(), "rundown:kick")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	hub.KickAll("rundown:kick")

	select {
	case _, ok := <-conn.Messages():
		if ok {
			t.Fatal("expected closed stream, got message")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close")
	}
}
