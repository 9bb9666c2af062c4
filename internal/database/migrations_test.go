package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsChangeCriticality(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&changes.PersonChange{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := changes.PersonChange{
		ChangeID:       "change-legacy",
		OrganizationID: "org-1",
		PersonID:       "person-1",
		ChangeType:     changes.ChangeTypeLifeEvent,
		DetectedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UrgencyScore:   9,
		Critical:       false,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy change: %v", err)
	}
	recent := changes.PersonChange{
		ChangeID:       "change-recent",
		OrganizationID: "org-1",
		PersonID:       "person-1",
		ChangeType:     changes.ChangeTypePersonalData,
		ChangedFields:  changes.FieldEmail,
		DetectedAt:     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		UrgencyScore:   5,
		Critical:       false,
	}
	if err := database.Create(&recent).Error; err != nil {
		testContext.Fatalf("failed to insert recent change: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored changes.PersonChange
	if err := database.Where("change_id = ?", "change-legacy").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to load legacy change: %v", err)
	}
	if !stored.Critical {
		testContext.Fatalf("expected legacy life event to be marked critical")
	}

	stored = changes.PersonChange{}
	if err := database.Where("change_id = ?", "change-recent").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to load recent change: %v", err)
	}
	if stored.Critical {
		testContext.Fatalf("field-level change must not be touched by the backfill")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&changes.PersonChange{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first apply failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second apply failed: %v", err)
	}

	var recordCount int64
	if err := database.Model(&migrationRecord{}).Count(&recordCount).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if recordCount != 1 {
		testContext.Fatalf("expected a single migration record, got %d", recordCount)
	}
}
