// Package mirror runs the headless server-side peer: it pattern-subscribes
// to every rundown channel on Redis, maintains a replica document per
// active rundown and mirrors the converged state into the system-of-record
// store through the debounced bridge.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/OndesLab/conducteur/internal/bridge"
	"github.com/OndesLab/conducteur/internal/crdt"
	"github.com/OndesLab/conducteur/internal/rundown"
	"github.com/OndesLab/conducteur/internal/transport"
)

const (
	operationReplicate = "mirror.replicate"

	reasonMessageRejected  = "message_rejected"
	reasonChannelRejected  = "channel_rejected"
	reasonReplicaFailed    = "replica_failed"
	reasonStateFetchFailed = "state_fetch_failed"
	reasonApplyFailed      = "apply_failed"
)

// Config carries the mirror dependencies.
type Config struct {
	Client   *redis.Client
	Store    bridge.RecordStore
	Debounce time.Duration
	Logger   *zap.Logger
}

type replica struct {
	document *crdt.Document
	bridge   *bridge.Bridge
}

// Mirror is the persistence peer for every rundown collaborating over one
// Redis instance. It never publishes; it only listens and saves.
type Mirror struct {
	client   *redis.Client
	store    bridge.RecordStore
	debounce time.Duration
	logger   *zap.Logger
	peerID   string

	mu       sync.Mutex
	replicas map[string]*replica
}

// NewMirror validates the configuration and returns an idle Mirror.
func NewMirror(cfg Config) (*Mirror, error) {
	if cfg.Client == nil {
		return nil, errors.New("mirror: redis client is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("mirror: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		client:   cfg.Client,
		store:    cfg.Store,
		debounce: cfg.Debounce,
		logger:   logger,
		peerID:   "mirror-" + uuid.NewString(),
		replicas: make(map[string]*replica),
	}, nil
}

// Run subscribes to the rundown channel pattern and replicates until the
// context is cancelled. The go-redis pub/sub reconnects on its own, so a
// Redis outage stalls replication instead of ending it.
func (mirror *Mirror) Run(ctx context.Context) error {
	pubsub := mirror.client.PSubscribe(ctx, rundown.ChannelPattern)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("mirror: subscribe: %w", err)
	}
	mirror.logger.Info("mirror subscribed", zap.String("pattern", rundown.ChannelPattern))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			mirror.flush()
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				mirror.flush()
				return nil
			}
			mirror.handle(ctx, message.Channel, []byte(message.Payload))
		}
	}
}

func (mirror *Mirror) handle(ctx context.Context, channelKey string, payload []byte) {
	message, err := transport.DecodeMessage(payload)
	if err != nil {
		mirror.logError(reasonMessageRejected, err, channelKey)
		return
	}
	if message.Kind == transport.MessageKindPresence {
		return
	}
	entry, err := mirror.replicaFor(ctx, channelKey)
	if err != nil {
		return
	}
	if err := entry.document.ApplyUpdate(message.Payload); err != nil {
		mirror.logError(reasonApplyFailed, err, channelKey)
	}
}

// replicaFor returns the replica for a channel, creating and seeding it
// from the shared channel state on first use.
func (mirror *Mirror) replicaFor(ctx context.Context, channelKey string) (*replica, error) {
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if entry, exists := mirror.replicas[channelKey]; exists {
		return entry, nil
	}

	rundownID, err := rundown.RundownIDFromChannelKey(channelKey)
	if err != nil {
		mirror.logError(reasonChannelRejected, err, channelKey)
		return nil, err
	}
	document, err := crdt.NewDocument(crdt.DocumentConfig{
		RundownID: rundownID,
		ReplicaID: mirror.peerID,
	})
	if err != nil {
		mirror.logError(reasonReplicaFailed, err, channelKey)
		return nil, err
	}
	docBridge, err := bridge.NewBridge(bridge.Config{
		Document: document,
		Store:    mirror.store,
		Debounce: mirror.debounce,
		Logger:   mirror.logger,
	})
	if err != nil {
		mirror.logError(reasonReplicaFailed, err, channelKey)
		return nil, err
	}

	state, err := mirror.client.Get(ctx, transport.StateKey(channelKey)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		mirror.logError(reasonStateFetchFailed, err, channelKey)
	default:
		if err := document.ApplyUpdate(state); err != nil {
			mirror.logError(reasonApplyFailed, err, channelKey)
		}
	}

	entry := &replica{document: document, bridge: docBridge}
	mirror.replicas[channelKey] = entry
	mirror.logger.Info("mirror replica opened", zap.String("rundown_id", rundownID.String()))
	return entry, nil
}

// flush drains every pending save. Run calls it on shutdown.
func (mirror *Mirror) flush() {
	mirror.mu.Lock()
	entries := make([]*replica, 0, len(mirror.replicas))
	for _, entry := range mirror.replicas {
		entries = append(entries, entry)
	}
	mirror.mu.Unlock()
	for _, entry := range entries {
		entry.bridge.Close(context.Background())
	}
}

func (mirror *Mirror) logError(reason string, err error, channelKey string) {
	mirror.logger.Error("mirror replication failed",
		zap.String("operation", operationReplicate),
		zap.String("reason", reason),
		zap.String("channel", channelKey),
		zap.Error(err),
	)
}
