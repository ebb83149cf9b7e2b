package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/OndesLab/conducteur/internal/store"
)

func openMigrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migrate.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&store.ItemRecord{}, &store.MetaRecord{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestBackfillRundownStatusMigration(t *testing.T) {
	db := openMigrationDB(t)
	legacy := store.MetaRecord{RundownID: "rundown-legacy", Status: "", UpdatedAtSeconds: 1}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	var repaired store.MetaRecord
	if err := db.Where("rundown_id = ?", "rundown-legacy").Take(&repaired).Error; err != nil {
		t.Fatalf("failed to read repaired row: %v", err)
	}
	if repaired.Status != "DRAFT" {
		t.Fatalf("expected DRAFT backfill, got %q", repaired.Status)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillRundownStatus).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openMigrationDB(t)
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one migration record, got %d", count)
	}
}
