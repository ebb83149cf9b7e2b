// Package offline durably caches replicated document state on the client
// side, keyed by rundown id, so edits survive reloads and disconnection.
package offline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OndesLab/conducteur/internal/rundown"
)

const (
	opAppendUpdate = "offline.append_update"
	opSaveState    = "offline.save_state"
	opLoadDocument = "offline.load_document"

	reasonInsertFailed = "insert_failed"
	reasonUpsertFailed = "upsert_failed"
	reasonPruneFailed  = "prune_failed"
	reasonQueryFailed  = "query_failed"
	reasonDecodeFailed = "decode_failed"
)

var (
	errMissingDatabase = errors.New("offline: database handle is required")
	noOpLogger         = zap.NewNop()
)

// CacheConfig describes the inputs required to build a Cache.
type CacheConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache is the write-through local store binding a replicated document to
// disk. Every local or remote update is appended, and the compacted state is
// upserted; on reload the state plus any tail updates reconstruct the
// document before the first network exchange.
type Cache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Open establishes the client-resident SQLite cache and migrates its schema.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("offline: cache path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&CachedUpdate{}, &CachedState{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("offline cache initialized", zap.String("path", path))
	}
	return db, nil
}

// NewCache constructs a Cache over an open database handle.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Cache{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendUpdate persists one update payload. Re-appending an identical
// payload is a no-op, so replaying the channel after a reconnect is safe.
func (cache *Cache) AppendUpdate(ctx context.Context, rundownID rundown.RundownID, payload []byte) error {
	hash := hashPayload(payload)
	model := CachedUpdate{
		RundownID:       rundownID.String(),
		PayloadB64:      base64.StdEncoding.EncodeToString(payload),
		PayloadHash:     hash,
		CachedAtSeconds: cache.clock().UTC().Unix(),
	}
	result := cache.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		cache.logError(opAppendUpdate, reasonInsertFailed, result.Error, rundownID)
		return fmt.Errorf("%s.%s: %w", opAppendUpdate, reasonInsertFailed, result.Error)
	}
	return nil
}

// SaveState upserts the compacted document state and prunes the update log
// it supersedes.
func (cache *Cache) SaveState(ctx context.Context, rundownID rundown.RundownID, state []byte) error {
	savedAt := cache.clock().UTC().Unix()
	return cache.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := CachedState{
			RundownID:      rundownID.String(),
			StateB64:       base64.StdEncoding.EncodeToString(state),
			SavedAtSeconds: savedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rundown_id"}},
			UpdateAll: true,
		}).Create(&model).Error; err != nil {
			cache.logError(opSaveState, reasonUpsertFailed, err, rundownID)
			return fmt.Errorf("%s.%s: %w", opSaveState, reasonUpsertFailed, err)
		}
		if err := tx.Where("rundown_id = ?", rundownID.String()).Delete(&CachedUpdate{}).Error; err != nil {
			cache.logError(opSaveState, reasonPruneFailed, err, rundownID)
			return fmt.Errorf("%s.%s: %w", opSaveState, reasonPruneFailed, err)
		}
		return nil
	})
}

// LoadDocument returns the cached compacted state (nil when absent) plus any
// updates appended after it, in append order.
func (cache *Cache) LoadDocument(ctx context.Context, rundownID rundown.RundownID) ([]byte, [][]byte, error) {
	var stateModel CachedState
	var state []byte
	err := cache.db.WithContext(ctx).
		Where("rundown_id = ?", rundownID.String()).
		Take(&stateModel).Error
	if err == nil {
		state, err = base64.StdEncoding.DecodeString(stateModel.StateB64)
		if err != nil {
			cache.logError(opLoadDocument, reasonDecodeFailed, err, rundownID)
			return nil, nil, fmt.Errorf("%s.%s: %w", opLoadDocument, reasonDecodeFailed, err)
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		cache.logError(opLoadDocument, reasonQueryFailed, err, rundownID)
		return nil, nil, fmt.Errorf("%s.%s: %w", opLoadDocument, reasonQueryFailed, err)
	}

	var updateModels []CachedUpdate
	if err := cache.db.WithContext(ctx).
		Where("rundown_id = ?", rundownID.String()).
		Order("update_id ASC").
		Find(&updateModels).Error; err != nil {
		cache.logError(opLoadDocument, reasonQueryFailed, err, rundownID)
		return nil, nil, fmt.Errorf("%s.%s: %w", opLoadDocument, reasonQueryFailed, err)
	}

	updates := make([][]byte, 0, len(updateModels))
	for _, model := range updateModels {
		payload, err := base64.StdEncoding.DecodeString(model.PayloadB64)
		if err != nil {
			cache.logError(opLoadDocument, reasonDecodeFailed, err, rundownID)
			return nil, nil, fmt.Errorf("%s.%s: %w", opLoadDocument, reasonDecodeFailed, err)
		}
		updates = append(updates, payload)
	}
	return state, updates, nil
}

func (cache *Cache) logError(operation string, reason string, err error, rundownID rundown.RundownID) {
	cache.logger.Error("offline cache error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("rundown_id", rundownID.String()),
		zap.Error(err))
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
