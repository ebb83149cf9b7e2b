// Package bridge reconciles a replicated rundown document with the
// system-of-record store: it seeds an empty document from the stored
// snapshot once, then mirrors document changes back with a debounced
// write-behind save.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OndesLab/conducteur/internal/crdt"
	"github.com/OndesLab/conducteur/internal/rundown"
)

const (
	operationSeed = "bridge.seed"
	operationSave = "bridge.save"

	reasonStoreLoadFailed = "store_load_failed"
	reasonStoreSaveFailed = "store_save_failed"
	reasonSeedWriteFailed = "seed_write_failed"
)

// DefaultDebounce is the write-behind delay applied when the
// configuration leaves Debounce unset.
const DefaultDebounce = time.Second

// RecordStore is the persistence surface the bridge reconciles against.
type RecordStore interface {
	Load(ctx context.Context, rundownID rundown.RundownID) (rundown.Snapshot, error)
	Save(ctx context.Context, rundownID rundown.RundownID, snapshot rundown.Snapshot) error
}

// errSeedSkipped aborts the seeding transaction without surfacing an
// error to the caller when another writer populated the document first.
var errSeedSkipped = errors.New("seed skipped")

// Config carries the bridge dependencies.
type Config struct {
	Document *crdt.Document
	Store    RecordStore
	Debounce time.Duration
	Logger   *zap.Logger
}

// Bridge owns the seed-once guard and the debounced save loop for one
// document. Callers construct it with NewBridge, call Seed once before
// attaching the document to any transport, and Close it on teardown.
type Bridge struct {
	document *crdt.Document
	store    RecordStore
	debounce time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	timer       *time.Timer
	savePending bool
	closed      bool

	unsubscribe func()
}

// NewBridge validates the configuration, subscribes to the document and
// returns a ready bridge.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Document == nil {
		return nil, errors.New("bridge: document is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("bridge: store is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge := &Bridge{
		document: cfg.Document,
		store:    cfg.Store,
		debounce: debounce,
		logger:   logger,
	}
	bridge.unsubscribe = cfg.Document.OnUpdate(func(crdt.UpdateEvent) {
		bridge.schedule()
	})
	return bridge, nil
}

// Seed loads the stored snapshot and replays it into the document as a
// single transaction. It is a no-op when the document already holds
// items (a peer's state arrived first) or when the store has nothing
// for this rundown. Seeding itself never schedules a save: the
// document only learns what the store already knows.
func (bridge *Bridge) Seed(ctx context.Context) error {
	rundownID := bridge.document.RundownID()
	if bridge.document.ItemCount() > 0 {
		return nil
	}
	snapshot, err := bridge.store.Load(ctx, rundownID)
	if err != nil {
		bridge.logError(operationSeed, reasonStoreLoadFailed, err)
		return err
	}
	if len(snapshot.Items) == 0 && snapshot.Meta.Status == rundown.RundownStatusDraft && snapshot.Meta.Notes == "" {
		return nil
	}

	// The emptiness re-check inside the transaction closes the window
	// between the check above and the store round trip.
	err = bridge.document.Transact(func(tx *crdt.Tx) error {
		if tx.ItemCount() > 0 {
			return errSeedSkipped
		}
		for _, item := range snapshot.Items {
			draft := rundown.ItemDraft{
				Type:            item.Type,
				Title:           item.Title,
				DurationSeconds: item.DurationSeconds,
				Status:          item.Status,
				Notes:           item.Notes,
				StoryID:         item.StoryID,
				AssigneeID:      item.AssigneeID,
			}
			if err := tx.AddItem(item.ID, draft); err != nil {
				return err
			}
		}
		status := snapshot.Meta.Status
		patch := rundown.MetaPatch{Status: &status}
		if snapshot.Meta.Notes != "" {
			notes := snapshot.Meta.Notes
			patch.Notes = &notes
		}
		return tx.SetMeta(patch)
	})
	if errors.Is(err, errSeedSkipped) {
		return nil
	}
	if err != nil {
		bridge.logError(operationSeed, reasonSeedWriteFailed, err)
		return err
	}
	// Discard the save the seeding transaction just scheduled; the
	// store already holds exactly this snapshot.
	bridge.mu.Lock()
	if bridge.timer != nil {
		bridge.timer.Stop()
		bridge.timer = nil
	}
	bridge.savePending = false
	bridge.mu.Unlock()
	return nil
}

// schedule restarts the debounce timer so that a burst of edits
// collapses into one save carrying the final state.
func (bridge *Bridge) schedule() {
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if bridge.closed {
		return
	}
	bridge.savePending = true
	if bridge.timer != nil {
		bridge.timer.Stop()
	}
	bridge.timer = time.AfterFunc(bridge.debounce, bridge.fire)
}

func (bridge *Bridge) fire() {
	bridge.mu.Lock()
	if bridge.closed || !bridge.savePending {
		bridge.mu.Unlock()
		return
	}
	bridge.savePending = false
	bridge.mu.Unlock()
	bridge.save(context.Background())
}

// save pushes the current snapshot to the store. A failed save is
// logged and the pending flag re-armed so the next document change
// retries it; the bridge never spins on its own.
func (bridge *Bridge) save(ctx context.Context) {
	snapshot := bridge.document.Snapshot()
	if err := bridge.store.Save(ctx, bridge.document.RundownID(), snapshot); err != nil {
		bridge.logError(operationSave, reasonStoreSaveFailed, err)
		bridge.mu.Lock()
		if !bridge.closed {
			bridge.savePending = true
		}
		bridge.mu.Unlock()
	}
}

// Flush performs any pending save immediately.
func (bridge *Bridge) Flush(ctx context.Context) {
	bridge.mu.Lock()
	pending := bridge.savePending
	bridge.savePending = false
	if bridge.timer != nil {
		bridge.timer.Stop()
		bridge.timer = nil
	}
	bridge.mu.Unlock()
	if pending {
		bridge.save(ctx)
	}
}

// Close detaches from the document, flushes any pending save and stops
// the debounce timer. It is safe to call once.
func (bridge *Bridge) Close(ctx context.Context) {
	if bridge.unsubscribe != nil {
		bridge.unsubscribe()
		bridge.unsubscribe = nil
	}
	bridge.Flush(ctx)
	bridge.mu.Lock()
	bridge.closed = true
	bridge.mu.Unlock()
}

func (bridge *Bridge) logError(operation string, reason string, err error) {
	bridge.logger.Error("bridge operation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("rundown_id", bridge.document.RundownID().String()),
		zap.Error(err),
	)
}
