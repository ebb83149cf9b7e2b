package awareness

import (
	"testing"
	"time"

	"github.com/OndesLab/conducteur/internal/rundown"
)

func mustTracker(t *testing.T, sessionID string, userID string) *Tracker {
	t.Helper()
	user, err := rundown.NewUser(userID, userID, "")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	tracker, err := NewTracker(TrackerConfig{SessionID: sessionID, User: user})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	return tracker
}

func TestApplyTracksRemoteSessions(t *testing.T) {
	tracker := mustTracker(t, "session-1", "alice")
	peer := mustTracker(t, "session-2", "bob")

	changes := 0
	tracker.OnChange(func() { changes++ })

	tracker.Apply(peer.HelloEnvelope())
	remotes := tracker.Remotes()
	if len(remotes) != 1 {
		t.Fatalf("expected one remote, got %d", len(remotes))
	}
	if remotes[0].User.ID != "bob" {
		t.Fatalf("expected bob, got %s", remotes[0].User.ID)
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}

	tracker.Apply(peer.ByeEnvelope())
	if len(tracker.Remotes()) != 0 {
		t.Fatal("expected remote removed after bye")
	}
	if changes != 2 {
		t.Fatalf("expected two change notifications, got %d", changes)
	}
}

func TestRemotesExcludesSelf(t *testing.T) {
	tracker := mustTracker(t, "session-1", "alice")

	// A session's own announcement can echo back through pub/sub.
	tracker.Apply(tracker.HelloEnvelope())
	if len(tracker.Remotes()) != 0 {
		t.Fatal("expected own session excluded from remotes")
	}
}

func TestCursorTravelsWithHello(t *testing.T) {
	tracker := mustTracker(t, "session-1", "alice")
	peer := mustTracker(t, "session-2", "bob")

	peer.SetCursor("item-7", "title")
	tracker.Apply(peer.HelloEnvelope())
	remotes := tracker.Remotes()
	if remotes[0].Cursor == nil || remotes[0].Cursor.ItemID != "item-7" || remotes[0].Cursor.Field != "title" {
		t.Fatalf("expected remote cursor on item-7/title, got %+v", remotes[0].Cursor)
	}

	peer.SetCursor("", "")
	tracker.Apply(peer.HelloEnvelope())
	if tracker.Remotes()[0].Cursor != nil {
		t.Fatal("expected cleared cursor")
	}
}

func TestSweepRemovesSilentSessions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	user, err := rundown.NewUser("alice", "Alice", "")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	tracker, err := NewTracker(TrackerConfig{
		SessionID: "session-1",
		User:      user,
		TTL:       10 * time.Second,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	peer := mustTracker(t, "session-2", "bob")

	tracker.Apply(peer.HelloEnvelope())
	now = now.Add(5 * time.Second)
	tracker.Sweep()
	if len(tracker.Remotes()) != 1 {
		t.Fatal("expected fresh session to survive sweep")
	}

	now = now.Add(20 * time.Second)
	tracker.Sweep()
	if len(tracker.Remotes()) != 0 {
		t.Fatal("expected silent session removed")
	}
}

func TestColorAssignmentIsDeterministic(t *testing.T) {
	first, err := rundown.NewUser("alice", "Alice", "")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	second, err := rundown.NewUser("alice", "Alice", "")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	if first.Color == "" || first.Color != second.Color {
		t.Fatalf("expected stable assigned color, got %q and %q", first.Color, second.Color)
	}

	other, err := rundown.NewUser("bob", "Bob", "")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	if other.Color == first.Color {
		t.Fatalf("expected distinct palette slots for alice and bob, both %q", first.Color)
	}

	explicit, err := rundown.NewUser("carol", "Carol", "#123456")
	if err != nil {
		t.Fatalf("unexpected user error: %v", err)
	}
	if explicit.Color != "#123456" {
		t.Fatalf("expected caller-supplied color kept, got %q", explicit.Color)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	tracker := mustTracker(t, "session-1", "alice")
	tracker.SetCursor("item-1", "notes")

	payload, err := EncodeEnvelope(tracker.HelloEnvelope())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Presence.SessionID != "session-1" || decoded.Presence.Cursor.ItemID != "item-1" {
		t.Fatalf("unexpected decoded envelope %+v", decoded)
	}

	if _, err := DecodeEnvelope([]byte("not-json")); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
