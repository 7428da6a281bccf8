package commerce

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testDeliverySecret = "test-delivery-secret"
	testPassphrase     = "test-passphrase"
	testSalt           = "test-salt"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "commerce.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected db error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(
		&Product{}, &Order{}, &OrderLine{}, &OrderAllocation{}, &StockUnit{},
		&Payment{}, &Invoice{}, &Delivery{}, &AuditLog{}, &SyncEvent{},
		&SyncApplied{}, &FxRate{},
	)
	if err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}
	return db
}

// testClock is a mutable fixed clock shared by a test's service and assertions.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *testClock) {
	t.Helper()
	db := newTestDB(t)
	clock := &testClock{now: time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)}

	cipher, err := NewCredentialCipher(testPassphrase, testSalt)
	if err != nil {
		t.Fatalf("unexpected cipher error: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:       db,
		Clock:          clock.Now,
		IDProvider:     NewUUIDProvider(),
		Cipher:         cipher,
		DeliverySecret: testDeliverySecret,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, db, clock
}

func mustCreateProduct(t *testing.T, db *gorm.DB, productID string, priceCents int64) {
	t.Helper()
	err := db.Create(&Product{
		ProductID:        productID,
		Name:             "Premium Plan " + productID,
		PriceCents:       priceCents,
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000000,
	}).Error
	if err != nil {
		t.Fatalf("unexpected product insert error: %v", err)
	}
}

func mustCreateUnit(t *testing.T, service *Service, db *gorm.DB, unitID, productID, username, password string) {
	t.Helper()
	ciphertext, nonce, err := service.cipher.Seal(password)
	if err != nil {
		t.Fatalf("unexpected seal error: %v", err)
	}
	err = db.Create(&StockUnit{
		UnitID:           unitID,
		ProductID:        productID,
		Status:           UnitStatusAvailable,
		Username:         username,
		SecretCiphertext: ciphertext,
		SecretNonce:      nonce,
		ExtraInfo:        "profile 1",
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000000,
	}).Error
	if err != nil {
		t.Fatalf("unexpected unit insert error: %v", err)
	}
}

func mustCreateOrder(t *testing.T, service *Service, email string, lines []OrderLineInput) *Order {
	t.Helper()
	order, err := service.CreateOrder(context.Background(), CreateOrderInput{
		CustomerEmail: email,
		Lines:         lines,
	})
	if err != nil {
		t.Fatalf("unexpected create order error: %v", err)
	}
	return order
}

func mustCount(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	tx := db.Model(model)
	if query != "" {
		tx = tx.Where(query, args...)
	}
	if err := tx.Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	return count
}
