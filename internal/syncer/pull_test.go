package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tbqdigital/shopcore/internal/localstore"
	"gorm.io/gorm"
)

func TestPullTwoWayAppliesAndAdvancesCursor(t *testing.T) {
	store := newSyncTestStore(t)
	ctx := context.Background()

	api := &stubAPI{events: map[string][]Event{
		"products": {
			{EntityType: "products", EventType: "UPSERT", EntityID: "prod-1", Payload: `{"name":"Premium Plan"}`},
			{EntityType: "products", EventType: "UPSERT", EntityID: "prod-2", Payload: `{"name":"Basic Plan"}`},
			{EntityType: "products", EventType: "DELETE", EntityID: "prod-2"},
		},
	}}
	puller, err := NewPuller(PullerConfig{Store: store, API: api})
	if err != nil {
		t.Fatalf("unexpected puller error: %v", err)
	}

	applied, err := puller.PullTwoWay(ctx)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if applied != 3 {
		t.Fatalf("expected 3 applied events, got %d", applied)
	}

	if _, err := store.GetRecord(ctx, "products", "prod-1"); err != nil {
		t.Fatalf("expected prod-1 cached: %v", err)
	}
	if _, err := store.GetRecord(ctx, "products", "prod-2"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected prod-2 deleted, got %v", err)
	}

	cursor, err := store.PullCursor(ctx, "products")
	if err != nil {
		t.Fatalf("unexpected cursor error: %v", err)
	}
	if cursor.IsZero() {
		t.Fatalf("expected cursor advanced after applying events")
	}
}

func TestPullTwoWayReplayIsIdempotent(t *testing.T) {
	store := newSyncTestStore(t)
	ctx := context.Background()

	api := &stubAPI{events: map[string][]Event{
		"products": {
			{EntityType: "products", EventType: "UPSERT", EntityID: "prod-1", Payload: `{"name":"Premium Plan"}`},
			{EntityType: "products", EventType: "DELETE", EntityID: "prod-gone"},
		},
	}}
	puller, err := NewPuller(PullerConfig{Store: store, API: api})
	if err != nil {
		t.Fatalf("unexpected puller error: %v", err)
	}

	for round := 0; round < 3; round++ {
		if _, err := puller.PullTwoWay(ctx); err != nil {
			t.Fatalf("unexpected pull error on round %d: %v", round, err)
		}
	}

	count, err := store.RecordCount(ctx, "products")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one record after replays, got %d", count)
	}
	record, err := store.GetRecord(ctx, "products", "prod-1")
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	if record.PayloadJSON != `{"name":"Premium Plan"}` {
		t.Fatalf("unexpected payload %q", record.PayloadJSON)
	}
}

func TestPullTwoWayEmptyFeedKeepsCursor(t *testing.T) {
	store := newSyncTestStore(t)
	ctx := context.Background()

	api := &stubAPI{}
	puller, err := NewPuller(PullerConfig{Store: store, API: api})
	if err != nil {
		t.Fatalf("unexpected puller error: %v", err)
	}

	if _, err := puller.PullTwoWay(ctx); err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	cursor, err := store.PullCursor(ctx, "products")
	if err != nil {
		t.Fatalf("unexpected cursor error: %v", err)
	}
	if !cursor.IsZero() {
		t.Fatalf("expected cursor unchanged with no events, got %v", cursor)
	}
}

func TestPullTwoWaySkipsUnknownEventTypes(t *testing.T) {
	store := newSyncTestStore(t)
	ctx := context.Background()

	api := &stubAPI{events: map[string][]Event{
		"products": {
			{EntityType: "products", EventType: "MERGE", EntityID: "prod-1", Payload: `{}`},
		},
	}}
	puller, err := NewPuller(PullerConfig{Store: store, API: api})
	if err != nil {
		t.Fatalf("unexpected puller error: %v", err)
	}

	applied, err := puller.PullTwoWay(ctx)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected unknown event skipped, got %d applied", applied)
	}
}

func TestPullReadOnlyMirrorsRows(t *testing.T) {
	store := newSyncTestStore(t)
	ctx := context.Background()

	api := &stubAPI{readOnly: map[string][]json.RawMessage{
		"orders": {
			json.RawMessage(`{"order_id":"o-1","status":"fulfilled"}`),
			json.RawMessage(`{"status":"missing key"}`),
		},
		"fx_rates": {
			json.RawMessage(`{"currency":"USD","rate":0.000039}`),
		},
	}}
	puller, err := NewPuller(PullerConfig{Store: store, API: api})
	if err != nil {
		t.Fatalf("unexpected puller error: %v", err)
	}

	applied, err := puller.PullReadOnly(ctx)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 mirrored rows, got %d", applied)
	}

	if _, err := store.GetRecord(ctx, "orders", "o-1"); err != nil {
		t.Fatalf("expected order cached: %v", err)
	}
	if _, err := store.GetRecord(ctx, "fx_rates", "USD"); err != nil {
		t.Fatalf("expected rate cached: %v", err)
	}

	// The shared cursor advances even on an empty response.
	cursor, err := store.PullCursor(ctx, localstore.ReadOnlyCursorKey)
	if err != nil {
		t.Fatalf("unexpected cursor error: %v", err)
	}
	if cursor.IsZero() {
		t.Fatalf("expected read-only cursor advanced")
	}
}
