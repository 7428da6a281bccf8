package commerce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultReservationTTL = 15 * time.Minute

// OrderLineInput is one requested product line at order placement.
type OrderLineInput struct {
	ProductID string
	Quantity  int
}

// CreateOrderInput describes a new order to place.
type CreateOrderInput struct {
	CustomerEmail  string
	Lines          []OrderLineInput
	ReservationTTL time.Duration
	Actor          string
}

// CreateOrder places a new order and reserves its stock atomically:
// either every requested unit is claimed or the whole order fails with
// ErrInsufficientStock and nothing is written. Concurrent requests for
// the last unit see at most one winner because the claim is a
// status-guarded UPDATE checked by rows affected.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Order, error) {
	if input.CustomerEmail == "" || len(input.Lines) == 0 {
		return nil, newServiceError(opCreateOrder, "invalid_input", errors.New("customer email and at least one line required"))
	}
	ttl := input.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	var created *Order
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		orderID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opCreateOrder, "id_generation_failed", err)
		}

		var totalCents int64
		lines := make([]OrderLine, 0, len(input.Lines))
		var reservedUnits []StockUnit

		for _, lineInput := range input.Lines {
			if lineInput.Quantity <= 0 {
				return newServiceError(opCreateOrder, "invalid_quantity",
					fmt.Errorf("product %s: quantity %d", lineInput.ProductID, lineInput.Quantity))
			}

			var product Product
			if err := tx.Take(&product, "product_id = ?", lineInput.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return newServiceError(opCreateOrder, "unknown_product",
						fmt.Errorf("product %s", lineInput.ProductID))
				}
				return newServiceError(opCreateOrder, "product_select_failed", err)
			}

			lineID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opCreateOrder, "id_generation_failed", err)
			}

			units, err := s.claimUnits(tx, lineInput.ProductID, orderID, lineInput.Quantity, now, ttl)
			if err != nil {
				return err
			}

			for _, unit := range units {
				allocationID, err := s.idProvider.NewID()
				if err != nil {
					return newServiceError(opCreateOrder, "id_generation_failed", err)
				}
				if err := tx.Create(&OrderAllocation{
					AllocationID:     allocationID,
					OrderID:          orderID,
					LineID:           lineID,
					UnitID:           unit.UnitID,
					Status:           AllocationStatusReserved,
					CreatedAtSeconds: now.Unix(),
				}).Error; err != nil {
					return newServiceError(opCreateOrder, "allocation_insert_failed", err)
				}
			}
			reservedUnits = append(reservedUnits, units...)

			lines = append(lines, OrderLine{
				LineID:         lineID,
				OrderID:        orderID,
				ProductID:      lineInput.ProductID,
				Quantity:       lineInput.Quantity,
				UnitPriceCents: product.PriceCents,
			})
			totalCents += product.PriceCents * int64(lineInput.Quantity)
		}

		order := Order{
			OrderID:          orderID,
			CustomerEmail:    input.CustomerEmail,
			TotalCents:       totalCents,
			Status:           OrderStatusPendingPayment,
			CreatedAtSeconds: now.Unix(),
			UpdatedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&order).Error; err != nil {
			return newServiceError(opCreateOrder, "order_insert_failed", err)
		}
		for i := range lines {
			if err := tx.Create(&lines[i]).Error; err != nil {
				return newServiceError(opCreateOrder, "line_insert_failed", err)
			}
		}

		if err := s.appendAudit(tx, "order_created", "order", orderID, input.Actor, "storefront",
			map[string]any{"total_cents": totalCents, "lines": len(lines)}); err != nil {
			return newServiceError(opCreateOrder, "audit_insert_failed", err)
		}
		for _, unit := range reservedUnits {
			if err := s.appendSyncEvent(tx, "stock_units", SyncEventTypeUpsert, unit.UnitID, unit); err != nil {
				return newServiceError(opCreateOrder, "sync_event_failed", err)
			}
		}

		created = &order
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrInsufficientStock) {
			s.logError(opCreateOrder, "transaction_failed", txErr)
		}
		return nil, txErr
	}
	return created, nil
}

// claimUnits reserves exactly quantity available units of a product for
// the order, or fails without claiming any. The re-check of rows
// affected catches a concurrent writer that grabbed a selected unit
// between the read and the guarded update.
func (s *Service) claimUnits(tx *gorm.DB, productID, orderID string, quantity int, now time.Time, ttl time.Duration) ([]StockUnit, error) {
	var candidates []StockUnit
	err := tx.Where("product_id = ? AND status = ?", productID, UnitStatusAvailable).
		Order("created_at_s ASC").
		Limit(quantity).
		Find(&candidates).Error
	if err != nil {
		return nil, newServiceError(opCreateOrder, "unit_select_failed", err)
	}
	if len(candidates) < quantity {
		return nil, fmt.Errorf("%w: product %s has %d of %d", ErrInsufficientStock, productID, len(candidates), quantity)
	}

	unitIDs := make([]string, 0, len(candidates))
	for _, unit := range candidates {
		unitIDs = append(unitIDs, unit.UnitID)
	}

	claim := tx.Model(&StockUnit{}).
		Where("unit_id IN ? AND status = ?", unitIDs, UnitStatusAvailable).
		Updates(map[string]any{
			"status":            UnitStatusReserved,
			"reserved_order_id": orderID,
			"reserved_until_s":  now.Add(ttl).Unix(),
			"updated_at_s":      now.Unix(),
		})
	if claim.Error != nil {
		return nil, newServiceError(opCreateOrder, "unit_claim_failed", claim.Error)
	}
	if claim.RowsAffected != int64(quantity) {
		return nil, fmt.Errorf("%w: product %s claimed %d of %d", ErrInsufficientStock, productID, claim.RowsAffected, quantity)
	}

	for i := range candidates {
		candidates[i].Status = UnitStatusReserved
		candidates[i].ReservedOrderID = orderID
		candidates[i].ReservedUntilSeconds = now.Add(ttl).Unix()
		candidates[i].UpdatedAtSeconds = now.Unix()
	}
	return candidates, nil
}

// ReleaseExpiredReservations returns units whose reservation lapsed to
// the available pool and marks their allocations released. It returns the
// number of units freed.
func (s *Service) ReleaseExpiredReservations(ctx context.Context) (int, error) {
	released := 0
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()

		var expired []StockUnit
		err := tx.Where("status = ? AND reserved_until_s > 0 AND reserved_until_s < ?", UnitStatusReserved, now.Unix()).
			Find(&expired).Error
		if err != nil {
			return newServiceError(opReleaseExpired, "unit_select_failed", err)
		}
		if len(expired) == 0 {
			return nil
		}

		for _, unit := range expired {
			free := tx.Model(&StockUnit{}).
				Where("unit_id = ? AND status = ?", unit.UnitID, UnitStatusReserved).
				Updates(map[string]any{
					"status":            UnitStatusAvailable,
					"reserved_order_id": "",
					"reserved_until_s":  0,
					"updated_at_s":      now.Unix(),
				})
			if free.Error != nil {
				return newServiceError(opReleaseExpired, "unit_release_failed", free.Error)
			}
			if free.RowsAffected == 0 {
				continue
			}

			err := tx.Model(&OrderAllocation{}).
				Where("order_id = ? AND unit_id = ? AND status = ?", unit.ReservedOrderID, unit.UnitID, AllocationStatusReserved).
				Update("status", AllocationStatusReleased).Error
			if err != nil {
				return newServiceError(opReleaseExpired, "allocation_release_failed", err)
			}

			unit.Status = UnitStatusAvailable
			unit.ReservedOrderID = ""
			unit.ReservedUntilSeconds = 0
			unit.UpdatedAtSeconds = now.Unix()
			if err := s.appendSyncEvent(tx, "stock_units", SyncEventTypeUpsert, unit.UnitID, unit); err != nil {
				return newServiceError(opReleaseExpired, "sync_event_failed", err)
			}
			released++
		}

		if err := s.appendAudit(tx, "reservations_released", "stock_unit", "", "", "scheduler",
			map[string]any{"count": released}); err != nil {
			return newServiceError(opReleaseExpired, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReleaseExpired, "transaction_failed", txErr)
		return 0, txErr
	}
	if released > 0 {
		s.logger.Info("expired reservations released", zap.Int("count", released))
	}
	return released, nil
}

// MarkWarrantyHold pulls an unsold unit from the sellable pool pending a
// warranty claim. Sold units are immutable and are rejected here.
func (s *Service) MarkWarrantyHold(ctx context.Context, unitID, actor string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()

		var unit StockUnit
		if err := tx.Take(&unit, "unit_id = ?", unitID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opWarrantyHold, "unknown_unit", fmt.Errorf("unit %s", unitID))
			}
			return newServiceError(opWarrantyHold, "unit_select_failed", err)
		}
		if !CanTransitionUnit(unit.Status, UnitStatusWarrantyHold) {
			return newServiceError(opWarrantyHold, "transition_rejected",
				fmt.Errorf("unit %s is %s", unitID, unit.Status))
		}

		hold := tx.Model(&StockUnit{}).
			Where("unit_id = ? AND status = ?", unitID, unit.Status).
			Updates(map[string]any{"status": UnitStatusWarrantyHold, "updated_at_s": now.Unix()})
		if hold.Error != nil {
			return newServiceError(opWarrantyHold, "unit_update_failed", hold.Error)
		}
		if hold.RowsAffected == 0 {
			return newServiceError(opWarrantyHold, "transition_rejected",
				fmt.Errorf("unit %s moved concurrently", unitID))
		}

		if err := s.appendAudit(tx, "warranty_hold", "stock_unit", unitID, actor, "manager", nil); err != nil {
			return newServiceError(opWarrantyHold, "audit_insert_failed", err)
		}
		unit.Status = UnitStatusWarrantyHold
		unit.UpdatedAtSeconds = now.Unix()
		if err := s.appendSyncEvent(tx, "stock_units", SyncEventTypeUpsert, unit.UnitID, unit); err != nil {
			return newServiceError(opWarrantyHold, "sync_event_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opWarrantyHold, "transaction_failed", txErr, zap.String("unit_id", unitID))
	}
	return txErr
}
