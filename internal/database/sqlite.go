package database

import (
	"fmt"

	"github.com/amparo-app/backend/internal/changes"
	"github.com/amparo-app/backend/internal/initiatives"
	"github.com/amparo-app/backend/internal/people"
	"github.com/amparo-app/backend/internal/synclog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
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

	if err := db.AutoMigrate(
		&people.Organization{},
		&people.Person{},
		&changes.PersonChange{},
		&initiatives.Initiative{},
		&synclog.ExecutionLog{},
		&synclog.ProcessedEvent{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
