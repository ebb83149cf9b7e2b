package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLinkConnectsAndReportsSynced(t *testing.T) {
	hub := NewMemoryHub()
	var exchanges atomic.Int64
	link, err := NewLink(LinkConfig{
		Connector:  hub,
		ChannelKey: "rundown:link",
		OnUp: func(Conn) error {
			exchanges.Add(1)
			return nil
		},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	if link.Connected() || link.Synced() {
		t.Fatal("expected idle link to report disconnected")
	}

	link.Start()
	defer link.Close()
	waitFor(t, "synced", link.Synced)
	if !link.Connected() {
		t.Fatal("expected connected after sync")
	}
	if exchanges.Load() != 1 {
		t.Fatalf("expected one state exchange, got %d", exchanges.Load())
	}
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	hub := NewMemoryHub()
	var exchanges atomic.Int64
	var downs atomic.Int64
	link, err := NewLink(LinkConfig{
		Connector:  hub,
		ChannelKey: "rundown:reconnect",
		OnUp: func(Conn) error {
			exchanges.Add(1)
			return nil
		},
		OnDown: func() {
			downs.Add(1)
		},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	link.Start()
	defer link.Close()
	waitFor(t, "initial sync", link.Synced)

	hub.KickAll("rundown:reconnect")
	waitFor(t, "down callback", func() bool { return downs.Load() >= 1 })
	waitFor(t, "resync", func() bool { return exchanges.Load() >= 2 && link.Synced() })
}

func TestLinkDeliversMessages(t *testing.T) {
	hub := NewMemoryHub()
	received := make(chan Message, 1)
	link, err := NewLink(LinkConfig{
		Connector:  hub,
		ChannelKey: "rundown:deliver",
		OnMessage: func(message Message) {
			select {
			case received <- message:
			default:
			}
		},
		ReconnectMin: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	link.Start()
	defer link.Close()
	waitFor(t, "synced", link.Synced)

	peer, err := hub.Open(context.Background(), "rundown:deliver")
	if err != nil {
		t.Fatalf("open peer failed: %v", err)
	}
	defer peer.Close()
	if err := peer.Publish(context.Background(), Message{Kind: MessageKindPresence, Sender: "peer"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case message := <-received:
		if message.Kind != MessageKindPresence {
			t.Fatalf("expected presence message, got %s", message.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivered message")
	}
}

func TestLinkPublishWhileDisconnected(t *testing.T) {
	hub := NewMemoryHub()
	link, err := NewLink(LinkConfig{
		Connector:    hub,
		ChannelKey:   "rundown:offline",
		ReconnectMin: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	// Never started: publishing must fail cleanly, not panic.
	if err := link.Publish(context.Background(), Message{Kind: MessageKindUpdate}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
