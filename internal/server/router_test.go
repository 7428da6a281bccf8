package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/tbqdigital/shopcore/internal/auth"
	"github.com/tbqdigital/shopcore/internal/commerce"
	"gorm.io/gorm"
)

const testSyncSecret = "shared-sync-secret"

type routerFixture struct {
	handler http.Handler
	service *commerce.Service
	db      *gorm.DB
	cipher  *commerce.CredentialCipher
}

func newRouterFixture(t *testing.T, syncSecret string) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
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
		&commerce.Product{}, &commerce.Order{}, &commerce.OrderLine{}, &commerce.OrderAllocation{},
		&commerce.StockUnit{}, &commerce.Payment{}, &commerce.Invoice{}, &commerce.Delivery{},
		&commerce.AuditLog{}, &commerce.SyncEvent{}, &commerce.SyncApplied{}, &commerce.FxRate{},
	)
	if err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}

	cipher, err := commerce.NewCredentialCipher("test-passphrase", "test-salt")
	if err != nil {
		t.Fatalf("unexpected cipher error: %v", err)
	}
	service, err := commerce.NewService(commerce.ServiceConfig{
		Database:       db,
		Clock:          func() time.Time { return time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC) },
		IDProvider:     commerce.NewUUIDProvider(),
		Cipher:         cipher,
		DeliverySecret: "delivery-secret",
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Commerce:    service,
		TokenIssuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("signing-secret")}),
		SyncSecret:  syncSecret,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return &routerFixture{handler: handler, service: service, db: db, cipher: cipher}
}

func (f *routerFixture) request(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected marshal error: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("unexpected decode error: %v: %s", err, recorder.Body.String())
	}
}

func pushItemBody(entityType, entityID, key string) []map[string]any {
	return []map[string]any{{
		"entity_type":     entityType,
		"entity_id":       entityID,
		"action":          "upsert",
		"payload":         map[string]any{"product_id": entityID, "name": "Premium Plan", "price_cents": 70000},
		"idempotency_key": key,
	}}
}

func TestSyncEndpointsRequireBearer(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	recorder := fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", recorder.Code)
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products", "wrong-secret", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad bearer, got %d", recorder.Code)
	}
}

func TestEmptySyncSecretDeniesEverything(t *testing.T) {
	fixture := newRouterFixture(t, "")

	recorder := fixture.request(t, http.MethodPost, "/sync/auth", "", map[string]string{"secret": "", "device": "d1"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 auth with empty configured secret, got %d", recorder.Code)
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products", "anything", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 pull with empty configured secret, got %d", recorder.Code)
	}
}

func TestSyncAuthIssuesUsableToken(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	recorder := fixture.request(t, http.MethodPost, "/sync/auth", "", map[string]string{"secret": testSyncSecret, "device": "desktop-7"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 auth, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var authResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(t, recorder, &authResponse)
	if authResponse.AccessToken == "" || authResponse.TokenType != "Bearer" || authResponse.ExpiresIn <= 0 {
		t.Fatalf("unexpected auth response %+v", authResponse)
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products", authResponse.AccessToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 pull with session token, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.request(t, http.MethodPost, "/sync/auth", "", map[string]string{"secret": "wrong", "device": "desktop-7"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", recorder.Code)
	}
}

func TestSyncPushAcceptsThenSkips(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)
	body := pushItemBody("products", "prod-1", "key-1")

	recorder := fixture.request(t, http.MethodPost, "/sync/push", testSyncSecret, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 push, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result commerce.PushResult
	decodeBody(t, recorder, &result)
	if result.Accepted != 1 || result.Skipped != 0 {
		t.Fatalf("unexpected first push result %+v", result)
	}

	recorder = fixture.request(t, http.MethodPost, "/sync/push", testSyncSecret, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 replay, got %d", recorder.Code)
	}
	decodeBody(t, recorder, &result)
	if result.Accepted != 0 || result.Skipped != 1 {
		t.Fatalf("expected replay skipped, got %+v", result)
	}

	var product commerce.Product
	if err := fixture.db.Take(&product, "product_id = ?", "prod-1").Error; err != nil {
		t.Fatalf("unexpected product select error: %v", err)
	}
	if product.Name != "Premium Plan" {
		t.Fatalf("unexpected product %+v", product)
	}
}

func TestSyncPushRejectsOversizedBatch(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	oversized := make([]map[string]any, 0, commerce.PushBatchLimit+1)
	for index := 0; index <= commerce.PushBatchLimit; index++ {
		oversized = append(oversized, pushItemBody("products", fmt.Sprintf("prod-%d", index), fmt.Sprintf("key-%d", index))[0])
	}
	recorder := fixture.request(t, http.MethodPost, "/sync/push", testSyncSecret, oversized)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", recorder.Code)
	}
}

func TestSyncPullReturnsEventsSince(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	seed := []commerce.SyncEvent{
		{EventID: "e-1", EntityType: "products", EventType: "UPSERT", EntityID: "p-1", CreatedAtSeconds: 100},
		{EventID: "e-2", EntityType: "products", EventType: "UPSERT", EntityID: "p-2", CreatedAtSeconds: 7200},
	}
	for index := range seed {
		if err := fixture.db.Create(&seed[index]).Error; err != nil {
			t.Fatalf("unexpected seed error: %v", err)
		}
	}

	since := time.Unix(3600, 0).UTC().Format(time.RFC3339)
	recorder := fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products&since="+since, testSyncSecret, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 pull, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Events []struct {
			EntityID  string `json:"entity_id"`
			CreatedAt string `json:"created_at"`
		} `json:"events"`
		Count int `json:"count"`
	}
	decodeBody(t, recorder, &response)
	if response.Count != 1 || len(response.Events) != 1 || response.Events[0].EntityID != "p-2" {
		t.Fatalf("unexpected pull response %+v", response)
	}
	if _, err := time.Parse(time.RFC3339, response.Events[0].CreatedAt); err != nil {
		t.Fatalf("expected RFC3339 created_at, got %q", response.Events[0].CreatedAt)
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/pull", testSyncSecret, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without entity_type, got %d", recorder.Code)
	}
	recorder = fixture.request(t, http.MethodGet, "/sync/pull?entity_type=products&since=yesterday", testSyncSecret, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed since, got %d", recorder.Code)
	}
}

func TestSyncPullReadOnlyTables(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	if err := fixture.db.Create(&commerce.FxRate{Currency: "USD", Rate: 0.000039, UpdatedAtSeconds: 100}).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	recorder := fixture.request(t, http.MethodGet, "/sync/pull-readonly?entities=orders,fx_rates", testSyncSecret, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response map[string][]map[string]any
	decodeBody(t, recorder, &response)
	if len(response["fx_rates"]) != 1 {
		t.Fatalf("unexpected fx_rates %+v", response)
	}
	if len(response["orders"]) != 0 {
		t.Fatalf("expected no orders, got %+v", response["orders"])
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/pull-readonly", testSyncSecret, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without entities, got %d", recorder.Code)
	}
}

func TestPaymentWebhookFinalizesOrder(t *testing.T) {
	fixture := newRouterFixture(t, testSyncSecret)

	if err := fixture.db.Create(&commerce.Product{ProductID: "prod-1", Name: "Premium Plan", PriceCents: 70000, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}).Error; err != nil {
		t.Fatalf("unexpected product seed error: %v", err)
	}
	ciphertext, nonce, err := fixture.cipher.Seal("hunter2")
	if err != nil {
		t.Fatalf("unexpected seal error: %v", err)
	}
	err = fixture.db.Create(&commerce.StockUnit{
		UnitID: "unit-1", ProductID: "prod-1", Status: commerce.UnitStatusAvailable,
		Username: "acct-1@vendor.example", SecretCiphertext: ciphertext, SecretNonce: nonce,
		CreatedAtSeconds: 1, UpdatedAtSeconds: 1,
	}).Error
	if err != nil {
		t.Fatalf("unexpected unit seed error: %v", err)
	}

	order, err := fixture.service.CreateOrder(context.Background(), commerce.CreateOrderInput{
		CustomerEmail: "buyer@example.com",
		Lines:         []commerce.OrderLineInput{{ProductID: "prod-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("unexpected create order error: %v", err)
	}

	body := map[string]any{
		"order_id": order.OrderID,
		"transaction": map[string]any{
			"id":               "TX1",
			"amount_in":        70000,
			"transaction_date": "2026-07-14T10:00:00Z",
		},
	}
	recorder := fixture.request(t, http.MethodPost, "/webhooks/payment", "", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 webhook, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result commerce.FinalizeResult
	decodeBody(t, recorder, &result)
	if result.AlreadyFulfilled || len(result.Credentials) != 1 || result.InvoiceNumber == "" {
		t.Fatalf("unexpected finalize result %+v", result)
	}
	if result.Credentials[0].Password != "hunter2" {
		t.Fatalf("unexpected credential %+v", result.Credentials[0])
	}

	// Replaying the webhook is harmless.
	recorder = fixture.request(t, http.MethodPost, "/webhooks/payment", "", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 replay, got %d", recorder.Code)
	}
	decodeBody(t, recorder, &result)
	if !result.AlreadyFulfilled || len(result.Credentials) != 0 {
		t.Fatalf("expected idempotent replay, got %+v", result)
	}

	recorder = fixture.request(t, http.MethodPost, "/webhooks/payment", "", map[string]any{"transaction": map[string]any{"id": "TX2"}})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without order_id, got %d", recorder.Code)
	}
	recorder = fixture.request(t, http.MethodPost, "/webhooks/payment", "", map[string]any{"order_id": "o-1"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without transaction id, got %d", recorder.Code)
	}
}
