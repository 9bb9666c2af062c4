package database

import (
	"errors"
	"time"

	"github.com/amparo-app/backend/internal/changes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillChangeCriticality = "2026-06-12_backfill_change_criticality"

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
		{name: migrationBackfillChangeCriticality, apply: backfillChangeCriticality},
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

// Deletion changes recorded before the critical flag existed carry the
// life_event classification with no changed fields; mark them critical so
// historical queries agree with current routing.
func backfillChangeCriticality(db *gorm.DB) error {
	return db.Model(&changes.PersonChange{}).
		Where("change_type = ? AND changed_fields = ? AND critical = ?", changes.ChangeTypeLifeEvent, "", false).
		Update("critical", true).Error
}
