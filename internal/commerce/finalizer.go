package commerce

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingTransactionID = errors.New("payment transaction id is required")

// Finalize opens the write transaction and drives the order through
// FinalizeOrder. It is the entry point used by both the payment webhook
// and the polling reconciler, and is safe to call any number of times
// with the same or different transaction ids: the whole transaction is
// the retry unit, and every step inside carries its own idempotency
// guard.
func (s *Service) Finalize(ctx context.Context, orderID string, txn PaymentTxn, source string) (FinalizeResult, error) {
	if txn.TransactionID == "" {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "missing_transaction_id", errMissingTransactionID)
	}

	var result FinalizeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		finalized, err := s.finalizeOrder(tx, orderID, txn, source)
		if err != nil {
			return err
		}
		result = finalized
		return nil
	})
	if txErr != nil {
		s.logError(opFinalizeOrder, "transaction_failed", txErr,
			zap.String("order_id", orderID),
			zap.String("transaction_id", txn.TransactionID))
		return FinalizeResult{}, txErr
	}
	return result, nil
}

// finalizeOrder applies the payment → fulfilled state machine inside the
// caller's write transaction. Duplicate triggers are expected traffic;
// they land on the short-circuit or on CAS no-ops, never on errors.
func (s *Service) finalizeOrder(tx *gorm.DB, orderID string, txn PaymentTxn, source string) (FinalizeResult, error) {
	now := s.clock().UTC()

	// Re-read inside the transaction; in-memory state may be stale.
	var order Order
	if err := tx.Take(&order, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "unknown_order", fmt.Errorf("order %s", orderID))
		}
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "order_select_failed", err)
	}

	// Short-circuit: fulfillment already completed. Recompute the token,
	// return the cached invoice number, write nothing, leak nothing.
	if order.Status == OrderStatusFulfilled {
		var invoice Invoice
		if err := tx.Take(&invoice, "order_id = ?", orderID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "invoice_select_failed", err)
		}
		return FinalizeResult{
			AlreadyFulfilled: true,
			DeliveryToken:    DeliveryToken(s.deliverySecret, order.OrderID, order.CustomerEmail, now),
			InvoiceNumber:    invoice.Number,
			Credentials:      []Credential{},
		}, nil
	}

	// A status that cannot move toward paid is a duplicate or stale
	// trigger, not a fault.
	if order.Status != OrderStatusPaid && !CanTransition(order.Status, OrderStatusPaid) {
		s.logger.Info("finalize skipped, order not payable",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.String("source", source))
		return FinalizeResult{AlreadyFulfilled: true, Credentials: []Credential{}}, nil
	}

	paymentID, err := s.idProvider.NewID()
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "id_generation_failed", err)
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "transaction_id"}},
		DoNothing: true,
	}).Create(&Payment{
		PaymentID:            paymentID,
		Provider:             txn.Provider,
		TransactionID:        txn.TransactionID,
		OrderID:              order.OrderID,
		AmountCents:          txn.AmountCents,
		TransactionAtSeconds: txn.TransactionAt.UTC().Unix(),
		CreatedAtSeconds:     now.Unix(),
	}).Error
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "payment_insert_failed", err)
	}

	// pending_payment → paid, guarded by the current status. Zero rows
	// affected means another writer already flipped it.
	markPaid := tx.Model(&Order{}).
		Where("order_id = ? AND status = ?", order.OrderID, OrderStatusPendingPayment).
		Updates(map[string]any{"status": OrderStatusPaid, "updated_at_s": now.Unix()})
	if markPaid.Error != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "mark_paid_failed", markPaid.Error)
	}

	var allocations []OrderAllocation
	err = tx.Where("order_id = ? AND status = ?", order.OrderID, AllocationStatusReserved).
		Find(&allocations).Error
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "allocation_select_failed", err)
	}

	credentials := make([]Credential, 0, len(allocations))
	soldUnits := make([]StockUnit, 0, len(allocations))
	for _, allocation := range allocations {
		var unit StockUnit
		if err := tx.Take(&unit, "unit_id = ?", allocation.UnitID).Error; err != nil {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "unit_select_failed", err)
		}

		password, err := s.cipher.Open(unit.SecretCiphertext, unit.SecretNonce)
		if err != nil {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "credential_open_failed", err)
		}
		credentials = append(credentials, Credential{
			Username:  unit.Username,
			Password:  password,
			ExtraInfo: unit.ExtraInfo,
		})
		soldUnits = append(soldUnits, unit)
	}

	err = tx.Model(&OrderAllocation{}).
		Where("order_id = ? AND status = ?", order.OrderID, AllocationStatusReserved).
		Update("status", AllocationStatusSold).Error
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "allocation_sell_failed", err)
	}

	// Scoped to units actually reserved by this order; sold is terminal.
	err = tx.Model(&StockUnit{}).
		Where("reserved_order_id = ? AND status = ?", order.OrderID, UnitStatusReserved).
		Updates(map[string]any{
			"status":            UnitStatusSold,
			"sold_order_id":     order.OrderID,
			"sold_at_s":         now.Unix(),
			"reserved_order_id": "",
			"reserved_until_s":  0,
			"updated_at_s":      now.Unix(),
		}).Error
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "unit_sell_failed", err)
	}

	markFulfilled := tx.Model(&Order{}).
		Where("order_id = ? AND status = ?", order.OrderID, OrderStatusPaid).
		Updates(map[string]any{"status": OrderStatusFulfilled, "updated_at_s": now.Unix()})
	if markFulfilled.Error != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "mark_fulfilled_failed", markFulfilled.Error)
	}

	token := DeliveryToken(s.deliverySecret, order.OrderID, order.CustomerEmail, now)
	for _, unit := range soldUnits {
		deliveryID, err := s.idProvider.NewID()
		if err != nil {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "id_generation_failed", err)
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "unit_id"}},
			DoNothing: true,
		}).Create(&Delivery{
			DeliveryID:         deliveryID,
			OrderID:            order.OrderID,
			UnitID:             unit.UnitID,
			DeliveredAtSeconds: now.Unix(),
		}).Error
		if err != nil {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "delivery_insert_failed", err)
		}
	}

	invoiceNumber, err := nextInvoiceNumber(tx, now)
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "invoice_number_failed", err)
	}
	invoiceID, err := s.idProvider.NewID()
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "id_generation_failed", err)
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(&Invoice{
		InvoiceID:       invoiceID,
		OrderID:         order.OrderID,
		Number:          invoiceNumber,
		IssuedAtSeconds: now.Unix(),
	}).Error
	if err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "invoice_insert_failed", err)
	}

	// The conflict above may have kept an earlier invoice; always return
	// the stored number.
	var invoice Invoice
	if err := tx.Take(&invoice, "order_id = ?", order.OrderID).Error; err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "invoice_select_failed", err)
	}

	if err := s.appendAudit(tx, "payment_confirmed", "order", order.OrderID, "", source,
		map[string]any{"transaction_id": txn.TransactionID, "amount_cents": txn.AmountCents}); err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "audit_insert_failed", err)
	}
	if err := s.appendAudit(tx, "order_fulfilled", "order", order.OrderID, "", source,
		map[string]any{"units": len(soldUnits), "invoice": invoice.Number}); err != nil {
		return FinalizeResult{}, newServiceError(opFinalizeOrder, "audit_insert_failed", err)
	}

	for _, unit := range soldUnits {
		unit.Status = UnitStatusSold
		unit.SoldOrderID = order.OrderID
		unit.SoldAtSeconds = now.Unix()
		unit.ReservedOrderID = ""
		unit.ReservedUntilSeconds = 0
		unit.UpdatedAtSeconds = now.Unix()
		unit.SecretCiphertext = nil
		unit.SecretNonce = nil
		if err := s.appendSyncEvent(tx, "stock_units", SyncEventTypeUpsert, unit.UnitID, unit); err != nil {
			return FinalizeResult{}, newServiceError(opFinalizeOrder, "sync_event_failed", err)
		}
	}

	return FinalizeResult{
		AlreadyFulfilled: false,
		DeliveryToken:    token,
		InvoiceNumber:    invoice.Number,
		Credentials:      credentials,
	}, nil
}
