package store

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/OndesLab/conducteur/internal/rundown"
)

func mustStoreService(t *testing.T) *Service {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&ItemRecord{}, &MetaRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustStoreRundownID(t *testing.T, value string) rundown.RundownID {
	t.Helper()
	id, err := rundown.NewRundownID(value)
	if err != nil {
		t.Fatalf("unexpected rundown id error: %v", err)
	}
	return id
}

func sampleSnapshot() rundown.Snapshot {
	return rundown.Snapshot{
		Items: []rundown.Item{
			{
				ID:              "item-1",
				Type:            rundown.ItemTypeStory,
				Title:           "Sujet 1",
				DurationSeconds: 90,
				Position:        0,
				Status:          rundown.ItemStatusReady,
				Notes:           "lancement antenne",
				StoryID:         "story-9",
			},
			{
				ID:              "item-2",
				Type:            rundown.ItemTypeJingle,
				Title:           "Jingle",
				DurationSeconds: 8,
				Position:        1,
				Status:          rundown.ItemStatusPending,
			},
		},
		Meta: rundown.Meta{Status: rundown.RundownStatusReady, Notes: "édition du matin"},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	service := mustStoreService(t)
	rundownID := mustStoreRundownID(t, "rundown-roundtrip")

	if err := service.Save(context.Background(), rundownID, sampleSnapshot()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := service.Load(context.Background(), rundownID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(loaded.Items))
	}
	if loaded.Items[0].ID != "item-1" || loaded.Items[0].Position != 0 {
		t.Fatalf("expected item-1 first, got %+v", loaded.Items[0])
	}
	if loaded.Items[0].StoryID != "story-9" {
		t.Fatalf("expected story reference kept, got %q", loaded.Items[0].StoryID)
	}
	if loaded.Meta.Status != rundown.RundownStatusReady || loaded.Meta.Notes != "édition du matin" {
		t.Fatalf("unexpected meta %+v", loaded.Meta)
	}
}

func TestSaveReplacesPreviousMirror(t *testing.T) {
	service := mustStoreService(t)
	rundownID := mustStoreRundownID(t, "rundown-replace")

	if err := service.Save(context.Background(), rundownID, sampleSnapshot()); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	smaller := rundown.Snapshot{
		Items: []rundown.Item{
			{
				ID:       "item-2",
				Type:     rundown.ItemTypeJingle,
				Title:    "Jingle",
				Position: 0,
				Status:   rundown.ItemStatusDone,
			},
		},
		Meta: rundown.Meta{Status: rundown.RundownStatusOnAir},
	}
	if err := service.Save(context.Background(), rundownID, smaller); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := service.Load(context.Background(), rundownID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Items) != 1 || loaded.Items[0].ID != "item-2" {
		t.Fatalf("expected replaced mirror, got %+v", loaded.Items)
	}
	if loaded.Meta.Status != rundown.RundownStatusOnAir {
		t.Fatalf("expected updated meta status, got %s", loaded.Meta.Status)
	}
}

func TestLoadUnknownRundownReturnsEmptySnapshot(t *testing.T) {
	service := mustStoreService(t)
	loaded, err := service.Load(context.Background(), mustStoreRundownID(t, "rundown-unknown"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Items) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", loaded.Items)
	}
	if loaded.Meta.Status != rundown.RundownStatusDraft {
		t.Fatalf("expected draft default, got %s", loaded.Meta.Status)
	}
}
