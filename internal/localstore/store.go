// Package localstore owns the desktop-side SQLite cache: mirrored entity
// records, the outbox of pending mutations, and the sync cursors.
package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const idempotencyKeyLength = 32

// ReadOnlyCursorKey is the sync_state row shared by all read-only tables.
const ReadOnlyCursorKey = "_readonly"

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPayload  = errors.New("payload is required")
	noOpLogger         = zap.NewNop()
)

// LocalRecord mirrors one remote entity row in the desktop cache.
type LocalRecord struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (LocalRecord) TableName() string { return "local_records" }

// PendingSync is one outbox row awaiting cloud acknowledgement. Rows are
// deleted only after the cloud accepts or skips them.
type PendingSync struct {
	PendingID        string `gorm:"column:pending_id;primaryKey;size:190;not null"`
	EntityType       string `gorm:"column:entity_type;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;size:190;not null"`
	Action           string `gorm:"column:action;size:16;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	IdempotencyKey   string `gorm:"column:idempotency_key;size:64;not null;uniqueIndex:idx_pending_sync_key"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_pending_sync_created"`
}

func (PendingSync) TableName() string { return "pending_sync" }

// SyncState is the per-entity-type cursor pair. Overwritten, never appended.
type SyncState struct {
	EntityType          string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	LastPulledAtSeconds int64  `gorm:"column:last_pulled_at_s;not null;default:0"`
	LastPushedAtSeconds int64  `gorm:"column:last_pushed_at_s;not null;default:0"`
}

func (SyncState) TableName() string { return "sync_state" }

// IdempotencyKey derives the deterministic dedup key the cloud uses to
// recognize a repeated push of the same write.
func IdempotencyKey(entityType, entityID string, updatedAt int64) string {
	digest := sha256.Sum256([]byte(entityType + ":" + entityID + ":" + strconv.FormatInt(updatedAt, 10)))
	return hex.EncodeToString(digest[:])[:idempotencyKeyLength]
}

// Open establishes the desktop cache connection and performs schema
// setup. DDL runs here only, outside any transaction.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
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

	if err := db.AutoMigrate(&LocalRecord{}, &PendingSync{}, &SyncState{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local cache initialized", zap.String("path", path))
	}
	return db, nil
}

// StoreConfig configures the local store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store wraps the desktop cache tables. EnqueuePush is the only write
// path into the outbox.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveLocal applies a local write: the cache row is upserted and the
// matching outbox entry is enqueued in the same transaction, so no local
// edit can be lost between the two.
func (s *Store) SaveLocal(ctx context.Context, entityType, entityID string, payload map[string]any) error {
	if payload == nil {
		return errMissingPayload
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		payload["updated_at_s"] = now
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := upsertRecord(tx, entityType, entityID, string(encoded), now); err != nil {
			return err
		}
		return s.enqueuePush(tx, entityType, entityID, "upsert", string(encoded), now)
	})
}

// DeleteLocal removes the cache row and enqueues the delete for the cloud.
func (s *Store) DeleteLocal(ctx context.Context, entityType, entityID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		if err := tx.Delete(&LocalRecord{}, "entity_type = ? AND entity_id = ?", entityType, entityID).Error; err != nil {
			return err
		}
		return s.enqueuePush(tx, entityType, entityID, "delete", "", now)
	})
}

// EnqueuePush inserts an outbox row directly, for writes that bypass the
// cache tables. The payload timestamp is stamped and the idempotency key
// computed here; callers never supply either.
func (s *Store) EnqueuePush(ctx context.Context, entityType, entityID, action string, payload map[string]any) error {
	now := s.clock().UTC().Unix()
	encoded := ""
	if payload != nil {
		payload["updated_at_s"] = now
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		encoded = string(data)
	}
	return s.enqueuePush(s.db.WithContext(ctx), entityType, entityID, action, encoded, now)
}

func (s *Store) enqueuePush(tx *gorm.DB, entityType, entityID, action, payloadJSON string, now int64) error {
	pendingID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	// Same write in the same second collapses to one outbox row. The
	// queued payload is overwritten so the row always carries the latest
	// local state for that key.
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "action"}),
	}).Create(&PendingSync{
		PendingID:        pendingID.String(),
		EntityType:       entityType,
		EntityID:         entityID,
		Action:           action,
		PayloadJSON:      payloadJSON,
		IdempotencyKey:   IdempotencyKey(entityType, entityID, now),
		CreatedAtSeconds: now,
	}).Error
}

// PendingBatch returns up to limit outbox rows, oldest first.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]PendingSync, error) {
	var rows []PendingSync
	err := s.db.WithContext(ctx).
		Order("created_at_s ASC, pending_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeletePending removes exactly the acknowledged outbox rows.
func (s *Store) DeletePending(ctx context.Context, pendingIDs []string) error {
	if len(pendingIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&PendingSync{}, "pending_id IN ?", pendingIDs).Error
}

// PendingCount reports the outbox depth.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PendingSync{}).Count(&count).Error
	return count, err
}

// UpsertRecord applies a pulled UPSERT into the cache.
func (s *Store) UpsertRecord(ctx context.Context, entityType, entityID, payloadJSON string) error {
	return upsertRecord(s.db.WithContext(ctx), entityType, entityID, payloadJSON, s.clock().UTC().Unix())
}

// DeleteRecord applies a pulled DELETE into the cache. Deleting an absent
// row is a no-op, which keeps event replay harmless.
func (s *Store) DeleteRecord(ctx context.Context, entityType, entityID string) error {
	return s.db.WithContext(ctx).Delete(&LocalRecord{}, "entity_type = ? AND entity_id = ?", entityType, entityID).Error
}

// GetRecord fetches one cache row; gorm.ErrRecordNotFound when absent.
func (s *Store) GetRecord(ctx context.Context, entityType, entityID string) (LocalRecord, error) {
	var record LocalRecord
	err := s.db.WithContext(ctx).
		Take(&record, "entity_type = ? AND entity_id = ?", entityType, entityID).Error
	return record, err
}

// RecordCount reports the number of cached rows for an entity type.
func (s *Store) RecordCount(ctx context.Context, entityType string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&LocalRecord{}).
		Where("entity_type = ?", entityType).Count(&count).Error
	return count, err
}

func upsertRecord(tx *gorm.DB, entityType, entityID, payloadJSON string, now int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		UpdateAll: true,
	}).Create(&LocalRecord{
		EntityType:       entityType,
		EntityID:         entityID,
		PayloadJSON:      payloadJSON,
		UpdatedAtSeconds: now,
	}).Error
}

// PullCursor returns the last_pulled_at cursor for an entity type (or
// ReadOnlyCursorKey for the shared read-only cursor).
func (s *Store) PullCursor(ctx context.Context, entityType string) (time.Time, error) {
	state, err := s.cursorRow(ctx, entityType)
	if err != nil {
		return time.Time{}, err
	}
	if state.LastPulledAtSeconds == 0 {
		return time.Time{}, nil
	}
	return time.Unix(state.LastPulledAtSeconds, 0).UTC(), nil
}

// SetPullCursor overwrites the last_pulled_at cursor.
func (s *Store) SetPullCursor(ctx context.Context, entityType string, at time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_pulled_at_s"}),
	}).Create(&SyncState{
		EntityType:          entityType,
		LastPulledAtSeconds: at.UTC().Unix(),
	}).Error
}

// SetPushCursor overwrites the last_pushed_at cursor.
func (s *Store) SetPushCursor(ctx context.Context, entityType string, at time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_pushed_at_s"}),
	}).Create(&SyncState{
		EntityType:          entityType,
		LastPushedAtSeconds: at.UTC().Unix(),
	}).Error
}

func (s *Store) cursorRow(ctx context.Context, entityType string) (SyncState, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Take(&state, "entity_type = ?", entityType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{EntityType: entityType}, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	return state, nil
}
