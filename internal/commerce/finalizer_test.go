package commerce

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var invoiceNumberPattern = regexp.MustCompile(`^TBQ-\d{6}-\d{5}$`)

func testTxn(id string, amountCents int64, at time.Time) PaymentTxn {
	return PaymentTxn{
		Provider:      "sepay",
		TransactionID: id,
		AmountCents:   amountCents,
		TransactionAt: at,
	}
}

func TestFinalizeFulfillsOrder(t *testing.T) {
	service, db, clock := newTestService(t)
	mustCreateProduct(t, db, "prod-premium", 70000)
	mustCreateUnit(t, service, db, "unit-1", "prod-premium", "acct-1@vendor.example", "s3cr3t-pass")

	order := mustCreateOrder(t, service, "buyer@example.com", []OrderLineInput{{ProductID: "prod-premium", Quantity: 1}})
	if order.TotalCents != 70000 {
		t.Fatalf("expected total 70000, got %d", order.TotalCents)
	}

	result, err := service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), "webhook")
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
	if result.AlreadyFulfilled {
		t.Fatalf("expected first finalize to fulfill the order")
	}
	if !invoiceNumberPattern.MatchString(result.InvoiceNumber) {
		t.Fatalf("unexpected invoice number %q", result.InvoiceNumber)
	}
	if result.InvoiceNumber != "TBQ-202607-00001" {
		t.Fatalf("expected first invoice of the month, got %q", result.InvoiceNumber)
	}
	if len(result.DeliveryToken) != deliveryTokenLength {
		t.Fatalf("unexpected delivery token %q", result.DeliveryToken)
	}
	if len(result.Credentials) != 1 {
		t.Fatalf("expected one credential, got %d", len(result.Credentials))
	}
	if result.Credentials[0].Username != "acct-1@vendor.example" || result.Credentials[0].Password != "s3cr3t-pass" {
		t.Fatalf("unexpected credential %+v", result.Credentials[0])
	}

	var stored Order
	if err := db.Take(&stored, "order_id = ?", order.OrderID).Error; err != nil {
		t.Fatalf("unexpected order select error: %v", err)
	}
	if stored.Status != OrderStatusFulfilled {
		t.Fatalf("expected fulfilled order, got %s", stored.Status)
	}

	var unit StockUnit
	if err := db.Take(&unit, "unit_id = ?", "unit-1").Error; err != nil {
		t.Fatalf("unexpected unit select error: %v", err)
	}
	if unit.Status != UnitStatusSold || unit.SoldOrderID != order.OrderID || unit.ReservedOrderID != "" {
		t.Fatalf("unexpected unit state %+v", unit)
	}

	if got := mustCount(t, db, &Payment{}, "order_id = ?", order.OrderID); got != 1 {
		t.Fatalf("expected one payment row, got %d", got)
	}
	if got := mustCount(t, db, &Delivery{}, "order_id = ?", order.OrderID); got != 1 {
		t.Fatalf("expected one delivery row, got %d", got)
	}
	if got := mustCount(t, db, &AuditLog{}, "event_type = ? AND entity_id = ?", "order_fulfilled", order.OrderID); got != 1 {
		t.Fatalf("expected one fulfillment audit row, got %d", got)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	service, db, clock := newTestService(t)
	mustCreateProduct(t, db, "prod-premium", 70000)
	mustCreateUnit(t, service, db, "unit-1", "prod-premium", "acct-1@vendor.example", "s3cr3t-pass")
	order := mustCreateOrder(t, service, "buyer@example.com", []OrderLineInput{{ProductID: "prod-premium", Quantity: 1}})

	first, err := service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), "webhook")
	if err != nil {
		t.Fatalf("unexpected first finalize error: %v", err)
	}
	second, err := service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), "reconciler")
	if err != nil {
		t.Fatalf("unexpected second finalize error: %v", err)
	}

	if !second.AlreadyFulfilled {
		t.Fatalf("expected replay to report already fulfilled")
	}
	if len(second.Credentials) != 0 {
		t.Fatalf("expected replay to withhold credentials, got %d", len(second.Credentials))
	}
	if second.InvoiceNumber != first.InvoiceNumber {
		t.Fatalf("expected cached invoice %q, got %q", first.InvoiceNumber, second.InvoiceNumber)
	}
	if second.DeliveryToken != first.DeliveryToken {
		t.Fatalf("expected recomputed token %q, got %q", first.DeliveryToken, second.DeliveryToken)
	}

	if got := mustCount(t, db, &Payment{}, ""); got != 1 {
		t.Fatalf("expected one payment row after replay, got %d", got)
	}
	if got := mustCount(t, db, &Invoice{}, ""); got != 1 {
		t.Fatalf("expected one invoice row after replay, got %d", got)
	}
	if got := mustCount(t, db, &Delivery{}, ""); got != 1 {
		t.Fatalf("expected one delivery row after replay, got %d", got)
	}
}

func TestFinalizeWebhookAndPollRace(t *testing.T) {
	service, db, clock := newTestService(t)
	mustCreateProduct(t, db, "prod-premium", 70000)
	mustCreateUnit(t, service, db, "unit-1", "prod-premium", "acct-1@vendor.example", "s3cr3t-pass")
	order := mustCreateOrder(t, service, "buyer@example.com", []OrderLineInput{{ProductID: "prod-premium", Quantity: 1}})

	sources := []string{"webhook", "reconciler"}
	results := make([]FinalizeResult, len(sources))
	errs := make([]error, len(sources))

	var wg sync.WaitGroup
	for index, source := range sources {
		wg.Add(1)
		go func(index int, source string) {
			defer wg.Done()
			results[index], errs[index] = service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), source)
		}(index, source)
	}
	wg.Wait()

	fulfillments := 0
	for index := range sources {
		if errs[index] != nil {
			t.Fatalf("unexpected finalize error from %s: %v", sources[index], errs[index])
		}
		if !results[index].AlreadyFulfilled {
			fulfillments++
			if len(results[index].Credentials) != 1 {
				t.Fatalf("expected the winner to receive credentials, got %d", len(results[index].Credentials))
			}
		}
	}
	if fulfillments != 1 {
		t.Fatalf("expected exactly one winning finalize, got %d", fulfillments)
	}

	if got := mustCount(t, db, &Payment{}, ""); got != 1 {
		t.Fatalf("expected one payment row, got %d", got)
	}
	if got := mustCount(t, db, &Invoice{}, ""); got != 1 {
		t.Fatalf("expected one invoice row, got %d", got)
	}
	if got := mustCount(t, db, &Delivery{}, ""); got != 1 {
		t.Fatalf("expected one delivery row, got %d", got)
	}
}

func TestFinalizeSkipsUnpayableOrder(t *testing.T) {
	service, db, clock := newTestService(t)
	mustCreateProduct(t, db, "prod-premium", 70000)
	mustCreateUnit(t, service, db, "unit-1", "prod-premium", "acct-1@vendor.example", "s3cr3t-pass")
	order := mustCreateOrder(t, service, "buyer@example.com", []OrderLineInput{{ProductID: "prod-premium", Quantity: 1}})

	err := db.Model(&Order{}).Where("order_id = ?", order.OrderID).Update("status", OrderStatusFailed).Error
	if err != nil {
		t.Fatalf("unexpected status update error: %v", err)
	}

	result, err := service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), "webhook")
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
	if !result.AlreadyFulfilled || len(result.Credentials) != 0 {
		t.Fatalf("expected failed order to be skipped, got %+v", result)
	}
	if got := mustCount(t, db, &Payment{}, ""); got != 0 {
		t.Fatalf("expected no payment rows for a failed order, got %d", got)
	}
}

func TestFinalizeRejectsMissingTransactionID(t *testing.T) {
	service, _, clock := newTestService(t)

	_, err := service.Finalize(context.Background(), "order-1", testTxn("", 70000, clock.now), "webhook")
	if err == nil {
		t.Fatalf("expected error for missing transaction id")
	}
	if !strings.Contains(err.Error(), "missing_transaction_id") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFinalizeUnknownOrder(t *testing.T) {
	service, _, clock := newTestService(t)

	_, err := service.Finalize(context.Background(), "order-missing", testTxn("TX1", 70000, clock.now), "webhook")
	if err == nil {
		t.Fatalf("expected error for unknown order")
	}
	if !strings.Contains(err.Error(), "unknown_order") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFinalizeStripsSecretsFromSyncEvents(t *testing.T) {
	service, db, clock := newTestService(t)
	mustCreateProduct(t, db, "prod-premium", 70000)
	mustCreateUnit(t, service, db, "unit-1", "prod-premium", "acct-1@vendor.example", "s3cr3t-pass")
	order := mustCreateOrder(t, service, "buyer@example.com", []OrderLineInput{{ProductID: "prod-premium", Quantity: 1}})

	if _, err := service.Finalize(context.Background(), order.OrderID, testTxn("TX1", 70000, clock.now), "webhook"); err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}

	var events []SyncEvent
	err := db.Where("entity_type = ? AND entity_id = ?", "stock_units", "unit-1").
		Order("created_at_s ASC").Find(&events).Error
	if err != nil {
		t.Fatalf("unexpected event select error: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected sync events for the sold unit")
	}
	last := events[len(events)-1]
	if !strings.Contains(last.PayloadJSON, string(UnitStatusSold)) {
		t.Fatalf("expected sold status in payload: %s", last.PayloadJSON)
	}
	if strings.Contains(last.PayloadJSON, "secret_ciphertext") || strings.Contains(last.PayloadJSON, "secret_nonce") {
		t.Fatalf("expected sealed secret stripped from payload: %s", last.PayloadJSON)
	}
}
