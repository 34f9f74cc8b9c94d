package database

import (
	"github.com/orderup/agent/internal/ledger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the agent's SQLite store at the given path and runs the
// schema migrations.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&ledger.Order{},
		&ledger.IdempotencyRecord{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
