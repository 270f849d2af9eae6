package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenSQLite establishes a SQLite connection and migrates the given models.
func OpenSQLite(path string, logger *zap.Logger, models ...interface{}) (*gorm.DB, error) {
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

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// InsertIfAbsent attempts to insert value and reports whether a row was
// actually created. A conflict on any unique key is absorbed and reported as
// created=false. This is the dedup gate for exactly-once tables: callers
// branch on the flag instead of inspecting row counts.
func InsertIfAbsent(db *gorm.DB, value interface{}) (bool, error) {
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
