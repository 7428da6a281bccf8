package database

import (
	"errors"
	"time"

	"github.com/tbqdigital/shopcore/internal/commerce"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearDanglingReservations = "2026-06-20_clear_dangling_reservations"

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

// applyMigrations runs each named migration at most once, recording it in
// the ledger table. A failing migration is logged and skipped so the rest
// of startup proceeds; it will be retried on the next start.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearDanglingReservations, apply: clearDanglingReservations},
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
			if logger != nil {
				logger.Warn("database migration failed",
					zap.String("migration", migration.name), zap.Error(err))
			}
			continue
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

// clearDanglingReservations frees units left in reserved with no owning
// order, a state an interrupted pre-ledger deployment could produce.
func clearDanglingReservations(db *gorm.DB) error {
	return db.Model(&commerce.StockUnit{}).
		Where("status = ? AND reserved_order_id = ''", commerce.UnitStatusReserved).
		Updates(map[string]any{"status": commerce.UnitStatusAvailable, "reserved_until_s": 0}).Error
}
