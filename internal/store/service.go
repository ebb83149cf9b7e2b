// Package store persists the system-of-record mirror of each rundown. The
// collaborative session treats it as write-behind only: runtime reads come
// from the replicated document, and the store serves non-collaborative
// consumers plus the initial seeding of brand-new documents.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OndesLab/conducteur/internal/rundown"
)

const (
	opServiceNew = "store.service.new"
	opLoad       = "store.load"
	opSave       = "store.save"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonRecordInvalid   = "record_invalid"

	fieldRundownID = "rundown_id"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation string, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the inputs required to build a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service implements the system-of-record contract: Load seeds a client
// session once, Save mirrors the converged snapshot back.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load returns the persisted snapshot for a rundown. A rundown with no
// persisted rows yields an empty snapshot, not an error.
func (service *Service) Load(ctx context.Context, rundownID rundown.RundownID) (rundown.Snapshot, error) {
	var itemModels []ItemRecord
	if err := service.db.WithContext(ctx).
		Where(fieldRundownID+" = ?", rundownID.String()).
		Order("position ASC").
		Find(&itemModels).Error; err != nil {
		service.logError(opLoad, reasonQueryFailed, err, rundownID)
		return rundown.Snapshot{}, newServiceError(opLoad, reasonQueryFailed, err)
	}

	snapshot := rundown.Snapshot{Items: make([]rundown.Item, 0, len(itemModels))}
	for _, model := range itemModels {
		item, err := itemFromRecord(model)
		if err != nil {
			service.logError(opLoad, reasonRecordInvalid, err, rundownID)
			return rundown.Snapshot{}, newServiceError(opLoad, reasonRecordInvalid, err)
		}
		snapshot.Items = append(snapshot.Items, item)
	}

	var metaModel MetaRecord
	err := service.db.WithContext(ctx).
		Where(fieldRundownID+" = ?", rundownID.String()).
		Take(&metaModel).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		snapshot.Meta = rundown.Meta{Status: rundown.RundownStatusDraft}
	case err != nil:
		service.logError(opLoad, reasonQueryFailed, err, rundownID)
		return rundown.Snapshot{}, newServiceError(opLoad, reasonQueryFailed, err)
	default:
		status, parseErr := rundown.ParseRundownStatus(metaModel.Status)
		if parseErr != nil {
			service.logError(opLoad, reasonRecordInvalid, parseErr, rundownID)
			return rundown.Snapshot{}, newServiceError(opLoad, reasonRecordInvalid, parseErr)
		}
		snapshot.Meta = rundown.Meta{Status: status, Notes: metaModel.Notes}
	}
	return snapshot, nil
}

// Save replaces the persisted mirror with the provided snapshot in one
// transaction.
func (service *Service) Save(ctx context.Context, rundownID rundown.RundownID, snapshot rundown.Snapshot) error {
	updatedAt := service.clock().UTC().Unix()
	return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(fieldRundownID+" = ?", rundownID.String()).Delete(&ItemRecord{}).Error; err != nil {
			service.logError(opSave, reasonDeleteFailed, err, rundownID)
			return newServiceError(opSave, reasonDeleteFailed, err)
		}
		for _, item := range snapshot.Items {
			model := ItemRecord{
				RundownID:        rundownID.String(),
				ItemID:           item.ID.String(),
				Position:         item.Position,
				ItemType:         item.Type.String(),
				Title:            item.Title,
				DurationSeconds:  item.DurationSeconds,
				Status:           item.Status.String(),
				Notes:            item.Notes,
				StoryID:          item.StoryID,
				AssigneeID:       item.AssigneeID,
				UpdatedAtSeconds: updatedAt,
			}
			if err := tx.Create(&model).Error; err != nil {
				service.logError(opSave, reasonInsertFailed, err, rundownID)
				return newServiceError(opSave, reasonInsertFailed, err)
			}
		}

		metaModel := MetaRecord{
			RundownID:        rundownID.String(),
			Status:           snapshot.Meta.Status.String(),
			Notes:            snapshot.Meta.Notes,
			UpdatedAtSeconds: updatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldRundownID}},
			UpdateAll: true,
		}).Create(&metaModel).Error; err != nil {
			service.logError(opSave, reasonUpsertFailed, err, rundownID)
			return newServiceError(opSave, reasonUpsertFailed, err)
		}
		return nil
	})
}

func itemFromRecord(model ItemRecord) (rundown.Item, error) {
	itemID, err := rundown.NewItemID(model.ItemID)
	if err != nil {
		return rundown.Item{}, err
	}
	itemType, err := rundown.ParseItemType(model.ItemType)
	if err != nil {
		return rundown.Item{}, err
	}
	status, err := rundown.ParseItemStatus(model.Status)
	if err != nil {
		return rundown.Item{}, err
	}
	duration, err := rundown.NewDurationSeconds(model.DurationSeconds)
	if err != nil {
		return rundown.Item{}, err
	}
	return rundown.Item{
		ID:              itemID,
		Type:            itemType,
		Title:           model.Title,
		DurationSeconds: duration.Int(),
		Position:        model.Position,
		Status:          status,
		Notes:           model.Notes,
		StoryID:         model.StoryID,
		AssigneeID:      model.AssigneeID,
	}, nil
}

func (service *Service) logError(operation string, reason string, err error, rundownID rundown.RundownID) {
	service.logger.Error("store service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldRundownID, rundownID.String()),
		zap.Error(err))
}
