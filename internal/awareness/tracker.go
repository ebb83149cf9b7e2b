// Package awareness tracks ephemeral per-session presence: who is connected
// to a rundown and what they are focused on. Presence travels over the
// document channel but is never written to the replicated document.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OndesLab/conducteur/internal/rundown"
)

const (
	envelopeKindHello = "hello"
	envelopeKindBye   = "bye"

	// DefaultTTL bounds how long a silent remote session stays visible.
	// Sessions re-announce at a fraction of this interval; a peer that
	// stops announcing without a bye (hard disconnect) ages out.
	DefaultTTL = 30 * time.Second
)

var (
	// ErrInvalidEnvelope indicates a malformed presence payload.
	ErrInvalidEnvelope = errors.New("awareness: invalid envelope")

	errMissingSessionID = errors.New("awareness: session id is required")
	errMissingUser      = errors.New("awareness: user identity is required")
)

// Envelope is the wire form of one presence announcement.
type Envelope struct {
	Kind     string           `json:"kind"`
	Presence rundown.Presence `json:"presence"`
}

// EncodeEnvelope serializes a presence envelope for the transport.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return payload, nil
}

// DecodeEnvelope parses a presence payload received from a peer.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if envelope.Presence.SessionID == "" {
		return Envelope{}, fmt.Errorf("%w: missing session id", ErrInvalidEnvelope)
	}
	return envelope, nil
}

// TrackerConfig describes the inputs required to build a Tracker.
type TrackerConfig struct {
	SessionID string
	User      rundown.User
	TTL       time.Duration
	Clock     func() time.Time
}

type remoteEntry struct {
	presence rundown.Presence
	lastSeen time.Time
}

// Tracker maintains the local session's published presence and the set of
// remote sessions observed on the channel. The local session is excluded
// from the remote view.
type Tracker struct {
	sessionID string
	ttl       time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	user    rundown.User
	cursor  *rundown.Cursor
	remotes map[string]remoteEntry

	handlerMu sync.Mutex
	handlers  map[int64]func()
	nextID    int64
}

// NewTracker constructs a tracker for one session.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.SessionID == "" {
		return nil, errMissingSessionID
	}
	if cfg.User.ID == "" {
		return nil, errMissingUser
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		sessionID: cfg.SessionID,
		ttl:       ttl,
		clock:     clock,
		user:      cfg.User,
		remotes:   make(map[string]remoteEntry),
		handlers:  make(map[int64]func()),
	}, nil
}

// OnChange registers a handler invoked whenever the remote presence set
// changes. The returned function removes the handler.
func (tracker *Tracker) OnChange(handler func()) func() {
	tracker.handlerMu.Lock()
	tracker.nextID++
	id := tracker.nextID
	tracker.handlers[id] = handler
	tracker.handlerMu.Unlock()
	return func() {
		tracker.handlerMu.Lock()
		delete(tracker.handlers, id)
		tracker.handlerMu.Unlock()
	}
}

func (tracker *Tracker) notify() {
	tracker.handlerMu.Lock()
	handlers := make([]func(), 0, len(tracker.handlers))
	for _, handler := range tracker.handlers {
		handlers = append(handlers, handler)
	}
	tracker.handlerMu.Unlock()
	for _, handler := range handlers {
		handler()
	}
}

// Self returns the local session's current presence, including its cursor.
func (tracker *Tracker) Self() rundown.Presence {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	return tracker.selfLocked()
}

func (tracker *Tracker) selfLocked() rundown.Presence {
	presence := rundown.Presence{SessionID: tracker.sessionID, User: tracker.user}
	if tracker.cursor != nil {
		cursor := *tracker.cursor
		presence.Cursor = &cursor
	}
	return presence
}

// SetCursor records the local focus location. A zero itemID clears it.
// The call is purely in-memory; publishing is the owner's concern.
func (tracker *Tracker) SetCursor(itemID rundown.ItemID, field string) {
	tracker.mu.Lock()
	if itemID == "" {
		tracker.cursor = nil
	} else {
		tracker.cursor = &rundown.Cursor{ItemID: itemID, Field: field}
	}
	tracker.mu.Unlock()
}

// HelloEnvelope builds the announcement for the local session's state.
func (tracker *Tracker) HelloEnvelope() Envelope {
	return Envelope{Kind: envelopeKindHello, Presence: tracker.Self()}
}

// ByeEnvelope builds the departure announcement for the local session.
func (tracker *Tracker) ByeEnvelope() Envelope {
	return Envelope{Kind: envelopeKindBye, Presence: rundown.Presence{SessionID: tracker.sessionID, User: tracker.user}}
}

// Apply merges a presence envelope received from the channel. Envelopes from
// the local session are ignored.
func (tracker *Tracker) Apply(envelope Envelope) {
	if envelope.Presence.SessionID == tracker.sessionID {
		return
	}
	tracker.mu.Lock()
	switch envelope.Kind {
	case envelopeKindHello:
		tracker.remotes[envelope.Presence.SessionID] = remoteEntry{
			presence: envelope.Presence,
			lastSeen: tracker.clock(),
		}
	case envelopeKindBye:
		if _, known := tracker.remotes[envelope.Presence.SessionID]; !known {
			tracker.mu.Unlock()
			return
		}
		delete(tracker.remotes, envelope.Presence.SessionID)
	default:
		tracker.mu.Unlock()
		return
	}
	tracker.mu.Unlock()
	tracker.notify()
}

// Sweep removes remote sessions that have stopped announcing.
func (tracker *Tracker) Sweep() {
	now := tracker.clock()
	tracker.mu.Lock()
	removed := false
	for sessionID, entry := range tracker.remotes {
		if now.Sub(entry.lastSeen) > tracker.ttl {
			delete(tracker.remotes, sessionID)
			removed = true
		}
	}
	tracker.mu.Unlock()
	if removed {
		tracker.notify()
	}
}

// Reset drops all remote sessions, used when the transport reports the
// channel gone.
func (tracker *Tracker) Reset() {
	tracker.mu.Lock()
	hadRemotes := len(tracker.remotes) > 0
	tracker.remotes = make(map[string]remoteEntry)
	tracker.mu.Unlock()
	if hadRemotes {
		tracker.notify()
	}
}

// Remotes returns the connected remote sessions, sorted by session id for a
// stable render order. The local session never appears.
func (tracker *Tracker) Remotes() []rundown.Presence {
	tracker.mu.Lock()
	presences := make([]rundown.Presence, 0, len(tracker.remotes))
	for _, entry := range tracker.remotes {
		presence := entry.presence
		if entry.presence.Cursor != nil {
			cursor := *entry.presence.Cursor
			presence.Cursor = &cursor
		}
		presences = append(presences, presence)
	}
	tracker.mu.Unlock()
	sort.Slice(presences, func(i, j int) bool {
		return presences[i].SessionID < presences[j].SessionID
	})
	return presences
}
