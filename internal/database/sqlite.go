package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tbqdigital/shopcore/internal/commerce"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the cloud store connection and performs schema
// setup. DDL runs here, outside any business transaction; services never
// touch the schema. A single connection serializes concurrent writers at
// the database level.
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
		&commerce.Product{},
		&commerce.Order{},
		&commerce.OrderLine{},
		&commerce.OrderAllocation{},
		&commerce.StockUnit{},
		&commerce.Payment{},
		&commerce.Invoice{},
		&commerce.Delivery{},
		&commerce.AuditLog{},
		&commerce.SyncEvent{},
		&commerce.SyncApplied{},
		&commerce.FxRate{},
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
