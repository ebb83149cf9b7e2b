package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/OndesLab/conducteur/internal/rundown"
	"github.com/OndesLab/conducteur/internal/store"
)

const migrationBackfillRundownStatus = "2026-07-14_backfill_rundown_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRundownStatus, apply: backfillRundownStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Meta rows written before the status column became mandatory carry an
// empty string; normalize them to the draft state.
func backfillRundownStatus(db *gorm.DB) error {
	return db.Model(&store.MetaRecord{}).
		Where("status = ?", "").
		Update("status", rundown.RundownStatusDraft.String()).Error
}
