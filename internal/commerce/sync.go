package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPullEvents   = "commerce.pull_events"
	opPullReadOnly = "commerce.pull_readonly"
	opApplyPush    = "commerce.apply_push"

	// PullEventLimit caps a two-way pull response.
	PullEventLimit = 1000
	// PullReadOnlyLimit caps each table in a read-only pull response.
	PullReadOnlyLimit = 500
	// PushBatchLimit caps one push request.
	PushBatchLimit = 100
)

// EntityTypeProducts and EntityTypeStockUnits are the two-way syncable
// entities; orders and fx rates flow through the read-only pull only.
const (
	EntityTypeProducts   = "products"
	EntityTypeStockUnits = "stock_units"
)

var twoWayEntityTypes = map[string]bool{
	EntityTypeProducts:   true,
	EntityTypeStockUnits: true,
}

var readOnlyTables = map[string]bool{
	"orders":   true,
	"fx_rates": true,
}

// PushItem mirrors one outbox row submitted through /sync/push.
type PushItem struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PushItemError reports one rejected push item.
type PushItemError struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// PushResult summarizes a push batch. Repeated idempotency keys count as
// skipped, never as accepted.
type PushResult struct {
	Accepted int             `json:"accepted"`
	Skipped  int             `json:"skipped"`
	Errors   []PushItemError `json:"errors"`
}

// PushActionUpsert and PushActionDelete are the two outbox actions.
const (
	PushActionUpsert = "upsert"
	PushActionDelete = "delete"
)

// PullEvents returns sync events for the requested entity types created
// after since, oldest first, capped at PullEventLimit.
func (s *Service) PullEvents(ctx context.Context, entityTypes []string, since time.Time) ([]SyncEvent, error) {
	allowed := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		if twoWayEntityTypes[entityType] {
			allowed = append(allowed, entityType)
		}
	}
	if len(allowed) == 0 {
		return []SyncEvent{}, nil
	}

	var events []SyncEvent
	err := s.db.WithContext(ctx).
		Where("entity_type IN ? AND created_at_s > ?", allowed, since.UTC().Unix()).
		Order("created_at_s ASC, event_id ASC").
		Limit(PullEventLimit).
		Find(&events).Error
	if err != nil {
		s.logError(opPullEvents, "query_failed", err)
		return nil, newServiceError(opPullEvents, "query_failed", err)
	}
	return events, nil
}

// PullReadOnly returns rows of the allow-listed tables changed after
// since, keyed by table name. Unknown table names are ignored.
func (s *Service) PullReadOnly(ctx context.Context, tables []string, since time.Time) (map[string]any, error) {
	result := make(map[string]any)
	cursor := since.UTC().Unix()

	for _, table := range tables {
		if !readOnlyTables[table] {
			continue
		}
		switch table {
		case "orders":
			var rows []Order
			err := s.db.WithContext(ctx).
				Where("updated_at_s > ?", cursor).
				Order("updated_at_s ASC").
				Limit(PullReadOnlyLimit).
				Find(&rows).Error
			if err != nil {
				s.logError(opPullReadOnly, "query_failed", err, zap.String("table", table))
				return nil, newServiceError(opPullReadOnly, "query_failed", err)
			}
			result[table] = rows
		case "fx_rates":
			var rows []FxRate
			err := s.db.WithContext(ctx).
				Where("updated_at_s > ?", cursor).
				Order("updated_at_s ASC").
				Limit(PullReadOnlyLimit).
				Find(&rows).Error
			if err != nil {
				s.logError(opPullReadOnly, "query_failed", err, zap.String("table", table))
				return nil, newServiceError(opPullReadOnly, "query_failed", err)
			}
			result[table] = rows
		}
	}
	return result, nil
}

// ApplyPush applies a batch of outbox items. Each item runs in its own
// transaction: the idempotency-key ledger insert doubles as the global
// dedup check, the mutation is applied, and the change is re-emitted on
// the event feed for other replicas. A failing item is reported in
// Errors without blocking the rest of the batch.
func (s *Service) ApplyPush(ctx context.Context, items []PushItem) (PushResult, error) {
	if len(items) > PushBatchLimit {
		return PushResult{}, newServiceError(opApplyPush, "batch_too_large",
			fmt.Errorf("%d items exceeds limit %d", len(items), PushBatchLimit))
	}

	result := PushResult{Errors: []PushItemError{}}
	for _, item := range items {
		outcome, err := s.applyPushItem(ctx, item)
		if err != nil {
			s.logError(opApplyPush, "item_failed", err,
				zap.String("entity_type", item.EntityType),
				zap.String("entity_id", item.EntityID))
			result.Errors = append(result.Errors, PushItemError{
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Reason:     err.Error(),
			})
			continue
		}
		if outcome {
			result.Accepted++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// applyPushItem returns true when the item was applied, false when its
// idempotency key had already been accepted.
func (s *Service) applyPushItem(ctx context.Context, item PushItem) (bool, error) {
	if item.IdempotencyKey == "" {
		return false, errors.New("missing idempotency key")
	}
	if !twoWayEntityTypes[item.EntityType] {
		return false, fmt.Errorf("unknown entity type %q", item.EntityType)
	}
	if item.EntityID == "" {
		return false, errors.New("missing entity id")
	}

	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dedup := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&SyncApplied{
			IdempotencyKey:   item.IdempotencyKey,
			EntityType:       item.EntityType,
			EntityID:         item.EntityID,
			AppliedAtSeconds: s.clock().UTC().Unix(),
		})
		if dedup.Error != nil {
			return dedup.Error
		}
		if dedup.RowsAffected == 0 {
			// Already accepted on a previous push; report as skipped.
			return nil
		}

		switch item.Action {
		case PushActionUpsert:
			if err := s.applyUpsert(tx, item); err != nil {
				return err
			}
			if err := s.appendSyncEvent(tx, item.EntityType, SyncEventTypeUpsert, item.EntityID, json.RawMessage(item.Payload)); err != nil {
				return err
			}
		case PushActionDelete:
			if err := s.applyDelete(tx, item); err != nil {
				return err
			}
			if err := s.appendSyncEvent(tx, item.EntityType, SyncEventTypeDelete, item.EntityID, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown action %q", item.Action)
		}

		applied = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

func (s *Service) applyUpsert(tx *gorm.DB, item PushItem) error {
	switch item.EntityType {
	case EntityTypeProducts:
		var product Product
		if err := json.Unmarshal(item.Payload, &product); err != nil {
			return fmt.Errorf("decode product payload: %w", err)
		}
		product.ProductID = item.EntityID
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			UpdateAll: true,
		}).Create(&product).Error
	case EntityTypeStockUnits:
		var unit StockUnit
		if err := json.Unmarshal(item.Payload, &unit); err != nil {
			return fmt.Errorf("decode stock unit payload: %w", err)
		}
		unit.UnitID = item.EntityID

		var existing StockUnit
		err := tx.Take(&existing, "unit_id = ?", item.EntityID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && existing.Status == UnitStatusSold {
			return fmt.Errorf("unit %s is sold and immutable", item.EntityID)
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "unit_id"}},
			UpdateAll: true,
		}).Create(&unit).Error
	default:
		return fmt.Errorf("unknown entity type %q", item.EntityType)
	}
}

func (s *Service) applyDelete(tx *gorm.DB, item PushItem) error {
	switch item.EntityType {
	case EntityTypeProducts:
		return tx.Delete(&Product{}, "product_id = ?", item.EntityID).Error
	case EntityTypeStockUnits:
		var existing StockUnit
		err := tx.Take(&existing, "unit_id = ?", item.EntityID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Status == UnitStatusSold {
			return fmt.Errorf("unit %s is sold and immutable", item.EntityID)
		}
		return tx.Delete(&StockUnit{}, "unit_id = ?", item.EntityID).Error
	default:
		return fmt.Errorf("unknown entity type %q", item.EntityType)
	}
}
