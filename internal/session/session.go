// Package session is the editing surface's entry point: it assembles the
// replicated document, the offline cache, the store bridge, the presence
// tracker and the transport link for one rundown, and exposes the
// operations the editor calls.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/OndesLab/conducteur/internal/awareness"
	"github.com/OndesLab/conducteur/internal/bridge"
	"github.com/OndesLab/conducteur/internal/crdt"
	"github.com/OndesLab/conducteur/internal/offline"
	"github.com/OndesLab/conducteur/internal/rundown"
	"github.com/OndesLab/conducteur/internal/transport"
)

const (
	operationOpen     = "session.open"
	operationSync     = "session.sync"
	operationPresence = "session.presence"
	operationCache    = "session.cache"

	reasonCacheReplayFailed   = "cache_replay_failed"
	reasonCacheWriteFailed    = "cache_write_failed"
	reasonStateFetchFailed    = "state_fetch_failed"
	reasonStateStoreFailed    = "state_store_failed"
	reasonStateApplyFailed    = "state_apply_failed"
	reasonUpdateApplyFailed   = "update_apply_failed"
	reasonEnvelopeRejected    = "envelope_rejected"
	reasonPublishFailed       = "publish_failed"
	reasonIdentifierExhausted = "identifier_exhausted"
)

var (
	errMissingUser = errors.New("session: user identity is required")
)

// IDProvider issues identifiers for sessions and rundown items.
type IDProvider interface {
	NewID() (string, error)
}

// Options carries everything needed to open a session. Connector may be
// nil for a fully offline session; CacheDB may be nil to skip local
// durability; Store may be nil when no system of record participates.
type Options struct {
	RundownID rundown.RundownID
	User      rundown.User

	Connector transport.Connector
	CacheDB   *gorm.DB
	Store     bridge.RecordStore

	SaveDebounce     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	PresenceTTL      time.Duration
	AnnounceInterval time.Duration

	IDProvider IDProvider
	Logger     *zap.Logger
}

// Session binds one user to one rundown. All methods are safe for
// concurrent use. A Session must be released with Close.
type Session struct {
	rundownID rundown.RundownID
	sessionID string
	ids       IDProvider
	logger    *zap.Logger

	document *crdt.Document
	tracker  *awareness.Tracker
	cache    *offline.Cache
	bridge   *bridge.Bridge
	link     *transport.Link

	handlerMu sync.Mutex
	handlers  map[int64]func()
	nextID    int64

	announceStop chan struct{}
	announceDone chan struct{}

	closeOnce sync.Once
	detachDoc func()
}

// Open assembles a session: the cached document is replayed first, the
// store seeds it when it is still empty, and only then does the link go
// live, so the first state exchange already carries local knowledge.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.User.ID == "" {
		return nil, errMissingUser
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := opts.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	sessionID, err := ids.NewID()
	if err != nil {
		return nil, err
	}
	user, err := rundown.NewUser(opts.User.ID, opts.User.Name, opts.User.Color)
	if err != nil {
		return nil, err
	}

	document, err := crdt.NewDocument(crdt.DocumentConfig{
		RundownID: opts.RundownID,
		ReplicaID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	tracker, err := awareness.NewTracker(awareness.TrackerConfig{
		SessionID: sessionID,
		User:      user,
		TTL:       opts.PresenceTTL,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		rundownID: opts.RundownID,
		sessionID: sessionID,
		ids:       ids,
		logger:    logger,
		document:  document,
		tracker:   tracker,
		handlers:  make(map[int64]func()),
	}

	if opts.CacheDB != nil {
		cache, err := offline.NewCache(offline.CacheConfig{Database: opts.CacheDB, Logger: logger})
		if err != nil {
			return nil, err
		}
		session.cache = cache
		session.replayCache(ctx)
	}

	if opts.Store != nil {
		docBridge, err := bridge.NewBridge(bridge.Config{
			Document: document,
			Store:    opts.Store,
			Debounce: opts.SaveDebounce,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if err := docBridge.Seed(ctx); err != nil {
			return nil, err
		}
		session.bridge = docBridge
	}

	session.detachDoc = document.OnUpdate(session.handleDocumentUpdate)
	tracker.OnChange(session.notifyChange)

	if opts.Connector != nil {
		link, err := transport.NewLink(transport.LinkConfig{
			Connector:    opts.Connector,
			ChannelKey:   opts.RundownID.ChannelKey(),
			OnUp:         session.exchangeState,
			OnMessage:    session.handleMessage,
			OnDown:       session.handleDisconnect,
			ReconnectMin: opts.ReconnectMin,
			ReconnectMax: opts.ReconnectMax,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		session.link = link
		link.Start()
		session.startAnnounceLoop(opts.AnnounceInterval, opts.PresenceTTL)
	}

	return session, nil
}

// replayCache reconstructs the document from the compacted state and the
// update tail persisted by earlier sessions. Replay failures leave the
// document partially filled rather than failing the open; the next state
// exchange repairs any gap.
func (session *Session) replayCache(ctx context.Context) {
	state, updates, err := session.cache.LoadDocument(ctx, session.rundownID)
	if err != nil {
		session.logError(operationCache, reasonCacheReplayFailed, err)
		return
	}
	if state != nil {
		if err := session.document.ApplyUpdate(state); err != nil {
			session.logError(operationCache, reasonCacheReplayFailed, err)
		}
	}
	for _, payload := range updates {
		if err := session.document.ApplyUpdate(payload); err != nil {
			session.logError(operationCache, reasonCacheReplayFailed, err)
		}
	}
}

// handleDocumentUpdate runs after every committed change, local or
// remote: the payload is written through to the cache, local commits are
// broadcast, and observers are notified.
func (session *Session) handleDocumentUpdate(event crdt.UpdateEvent) {
	if session.cache != nil && len(event.Payload) > 0 {
		if err := session.cache.AppendUpdate(context.Background(), session.rundownID, event.Payload); err != nil {
			session.logError(operationCache, reasonCacheWriteFailed, err)
		}
	}
	if event.Local && session.link != nil {
		session.publish(transport.Message{
			Kind:    transport.MessageKindUpdate,
			Sender:  session.sessionID,
			Payload: event.Payload,
		})
	}
	session.notifyChange()
}

// exchangeState is the link's OnUp hook: fetch and merge the channel
// state, store the merged state back, then announce this session. The
// link reports synced only after this succeeds.
func (session *Session) exchangeState(conn transport.Conn) error {
	ctx := context.Background()
	remoteState, err := conn.State(ctx)
	if err != nil {
		session.logError(operationSync, reasonStateFetchFailed, err)
		return err
	}
	if remoteState != nil {
		if err := session.document.ApplyUpdate(remoteState); err != nil {
			session.logError(operationSync, reasonStateApplyFailed, err)
			return err
		}
	}
	merged, err := session.document.EncodeState()
	if err != nil {
		return err
	}
	if err := conn.SetState(ctx, merged); err != nil {
		session.logError(operationSync, reasonStateStoreFailed, err)
		return err
	}
	// Broadcast the merged state so peers that were already connected
	// pick up edits made while this session was offline.
	stateMessage := transport.Message{
		Kind:    transport.MessageKindState,
		Sender:  session.sessionID,
		Payload: merged,
	}
	if err := conn.Publish(ctx, stateMessage); err != nil {
		session.logError(operationSync, reasonPublishFailed, err)
		return err
	}
	session.announcePresenceOn(conn)
	return nil
}

func (session *Session) handleMessage(message transport.Message) {
	if message.Sender == session.sessionID {
		return
	}
	switch message.Kind {
	case transport.MessageKindUpdate, transport.MessageKindState:
		if err := session.document.ApplyUpdate(message.Payload); err != nil {
			session.logError(operationSync, reasonUpdateApplyFailed, err)
		}
	case transport.MessageKindPresence:
		envelope, err := awareness.DecodeEnvelope(message.Payload)
		if err != nil {
			session.logError(operationPresence, reasonEnvelopeRejected, err)
			return
		}
		session.tracker.Apply(envelope)
	}
}

// handleDisconnect clears the remote presence view; peers re-announce on
// the next connection. The document keeps every pending local edit.
func (session *Session) handleDisconnect() {
	session.tracker.Reset()
}

func (session *Session) startAnnounceLoop(interval time.Duration, ttl time.Duration) {
	if ttl <= 0 {
		ttl = awareness.DefaultTTL
	}
	if interval <= 0 {
		interval = ttl / 3
	}
	session.announceStop = make(chan struct{})
	session.announceDone = make(chan struct{})
	go func() {
		defer close(session.announceDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-session.announceStop:
				return
			case <-ticker.C:
				session.publishPresence(session.tracker.HelloEnvelope())
				session.tracker.Sweep()
			}
		}
	}()
}

func (session *Session) announcePresenceOn(conn transport.Conn) {
	payload, err := awareness.EncodeEnvelope(session.tracker.HelloEnvelope())
	if err != nil {
		return
	}
	message := transport.Message{
		Kind:    transport.MessageKindPresence,
		Sender:  session.sessionID,
		Payload: payload,
	}
	if err := conn.Publish(context.Background(), message); err != nil {
		session.logError(operationPresence, reasonPublishFailed, err)
	}
}

func (session *Session) publishPresence(envelope awareness.Envelope) {
	payload, err := awareness.EncodeEnvelope(envelope)
	if err != nil {
		return
	}
	session.publish(transport.Message{
		Kind:    transport.MessageKindPresence,
		Sender:  session.sessionID,
		Payload: payload,
	})
}

// publish is fire-and-forget: while disconnected the update stream is
// recovered through the next state exchange and presence through the
// next announce.
func (session *Session) publish(message transport.Message) {
	if session.link == nil {
		return
	}
	err := session.link.Publish(context.Background(), message)
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		session.logError(operationSync, reasonPublishFailed, err)
	}
}

// AddItem appends a new item to the rundown and returns its identifier.
func (session *Session) AddItem(draft rundown.ItemDraft) (rundown.ItemID, error) {
	raw, err := session.ids.NewID()
	if err != nil {
		session.logError(operationOpen, reasonIdentifierExhausted, err)
		return "", err
	}
	itemID, err := rundown.NewItemID(raw)
	if err != nil {
		return "", err
	}
	err = session.document.Transact(func(tx *crdt.Tx) error {
		return tx.AddItem(itemID, draft)
	})
	if err != nil {
		return "", err
	}
	return itemID, nil
}

// UpdateItem applies a partial edit to one item.
func (session *Session) UpdateItem(itemID rundown.ItemID, patch rundown.ItemPatch) error {
	return session.document.Transact(func(tx *crdt.Tx) error {
		return tx.UpdateItem(itemID, patch)
	})
}

// DeleteItem removes an item; positions of the remaining items close up.
func (session *Session) DeleteItem(itemID rundown.ItemID) error {
	return session.document.Transact(func(tx *crdt.Tx) error {
		return tx.DeleteItem(itemID)
	})
}

// MoveItem relocates the item at fromIndex to toIndex.
func (session *Session) MoveItem(fromIndex int, toIndex int) error {
	return session.document.Transact(func(tx *crdt.Tx) error {
		return tx.MoveItem(fromIndex, toIndex)
	})
}

// UpdateMeta applies a partial edit to the rundown metadata.
func (session *Session) UpdateMeta(patch rundown.MetaPatch) error {
	return session.document.Transact(func(tx *crdt.Tx) error {
		return tx.SetMeta(patch)
	})
}

// Snapshot returns the current derived rundown state.
func (session *Session) Snapshot() rundown.Snapshot {
	return session.document.Snapshot()
}

// Items returns the visible items sorted by position.
func (session *Session) Items() []rundown.Item {
	return session.document.Snapshot().Items
}

// Meta returns the current rundown metadata.
func (session *Session) Meta() rundown.Meta {
	return session.document.Snapshot().Meta
}

// SessionID returns this session's unique identifier.
func (session *Session) SessionID() string {
	return session.sessionID
}

// Connected reports whether a live channel to the rundown exists.
// Offline sessions always report false.
func (session *Session) Connected() bool {
	if session.link == nil {
		return false
	}
	return session.link.Connected()
}

// Synced reports whether the state exchange completed on the current
// connection.
func (session *Session) Synced() bool {
	if session.link == nil {
		return false
	}
	return session.link.Synced()
}

// SetCursor moves this session's cursor and announces it. An empty item
// id clears the cursor.
func (session *Session) SetCursor(itemID rundown.ItemID, field string) {
	session.tracker.SetCursor(itemID, field)
	session.publishPresence(session.tracker.HelloEnvelope())
}

// Self returns this session's own presence.
func (session *Session) Self() rundown.Presence {
	return session.tracker.Self()
}

// ConnectedUsers returns the presences of the other live sessions on
// this rundown, sorted by session id.
func (session *Session) ConnectedUsers() []rundown.Presence {
	return session.tracker.Remotes()
}

// Cursors returns the cursors of the other live sessions, keyed by
// session id. Sessions without a cursor are omitted.
func (session *Session) Cursors() map[string]rundown.Cursor {
	cursors := make(map[string]rundown.Cursor)
	for _, presence := range session.tracker.Remotes() {
		if presence.Cursor != nil {
			cursors[presence.SessionID] = *presence.Cursor
		}
	}
	return cursors
}

// OnChange registers a handler invoked after any document or presence
// change. The returned function removes the handler.
func (session *Session) OnChange(handler func()) func() {
	session.handlerMu.Lock()
	defer session.handlerMu.Unlock()
	session.nextID++
	id := session.nextID
	session.handlers[id] = handler
	return func() {
		session.handlerMu.Lock()
		defer session.handlerMu.Unlock()
		delete(session.handlers, id)
	}
}

func (session *Session) notifyChange() {
	session.handlerMu.Lock()
	handlers := make([]func(), 0, len(session.handlers))
	for _, handler := range session.handlers {
		handlers = append(handlers, handler)
	}
	session.handlerMu.Unlock()
	for _, handler := range handlers {
		handler()
	}
}

// Close announces departure, tears down the link, flushes the pending
// store save and compacts the cache. Safe to call once; a second call
// is a no-op.
func (session *Session) Close(ctx context.Context) {
	session.closeOnce.Do(func() {
		if session.announceStop != nil {
			close(session.announceStop)
			<-session.announceDone
		}
		if session.link != nil {
			session.publishPresence(session.tracker.ByeEnvelope())
			session.link.Close()
		}
		if session.detachDoc != nil {
			session.detachDoc()
		}
		if session.bridge != nil {
			session.bridge.Close(ctx)
		}
		if session.cache != nil {
			if state, err := session.document.EncodeState(); err == nil {
				if err := session.cache.SaveState(ctx, session.rundownID, state); err != nil {
					session.logError(operationCache, reasonCacheWriteFailed, err)
				}
			}
		}
	})
}

func (session *Session) logError(operation string, reason string, err error, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("rundown_id", session.rundownID.String()),
		zap.String("session_id", session.sessionID),
		zap.Error(err),
	}, fields...)
	session.logger.Error("session operation failed", all...)
}
