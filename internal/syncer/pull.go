package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tbqdigital/shopcore/internal/localstore"
	"go.uber.org/zap"
)

// DefaultTwoWayEntities are the entity types replayed through the change feed.
var DefaultTwoWayEntities = []string{"products", "stock_units"}

// DefaultReadOnlyTables are the cloud-owned tables mirrored locally, with
// the JSON field holding each table's primary key.
var DefaultReadOnlyTables = map[string]string{
	"orders":   "order_id",
	"fx_rates": "currency",
}

const (
	eventTypeUpsert = "UPSERT"
	eventTypeDelete = "DELETE"
)

// PullerConfig configures the pull cycles.
type PullerConfig struct {
	Store          *localstore.Store
	API            API
	TwoWayEntities []string
	ReadOnlyTables map[string]string
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Puller replays authoritative cloud changes into the local cache. Both
// pull modes are cursor-based and idempotent: replaying the same event
// or row twice leaves the cache unchanged.
type Puller struct {
	store          *localstore.Store
	api            API
	twoWayEntities []string
	readOnlyTables map[string]string
	clock          func() time.Time
	logger         *zap.Logger
}

// NewPuller validates the configuration and returns a Puller.
func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	entities := cfg.TwoWayEntities
	if len(entities) == 0 {
		entities = DefaultTwoWayEntities
	}
	tables := cfg.ReadOnlyTables
	if len(tables) == 0 {
		tables = DefaultReadOnlyTables
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{
		store:          cfg.Store,
		api:            cfg.API,
		twoWayEntities: entities,
		readOnlyTables: tables,
		clock:          clock,
		logger:         logger,
	}, nil
}

// PullTwoWay replays the change feed for every configured entity type.
// A cursor advances to "now" only when at least one event was applied,
// so a partial or failed pull costs nothing but a replay.
func (p *Puller) PullTwoWay(ctx context.Context) (int, error) {
	totalApplied := 0
	for _, entityType := range p.twoWayEntities {
		since, err := p.store.PullCursor(ctx, entityType)
		if err != nil {
			return totalApplied, err
		}

		events, err := p.api.PullEvents(ctx, entityType, since)
		if err != nil {
			return totalApplied, fmt.Errorf("pull %s: %w", entityType, err)
		}

		applied := 0
		for _, event := range events {
			switch event.EventType {
			case eventTypeUpsert:
				if err := p.store.UpsertRecord(ctx, event.EntityType, event.EntityID, event.Payload); err != nil {
					return totalApplied, err
				}
			case eventTypeDelete:
				if err := p.store.DeleteRecord(ctx, event.EntityType, event.EntityID); err != nil {
					return totalApplied, err
				}
			default:
				p.logger.Warn("unknown sync event type skipped",
					zap.String("entity_type", event.EntityType),
					zap.String("event_type", event.EventType))
				continue
			}
			applied++
		}

		if applied > 0 {
			if err := p.store.SetPullCursor(ctx, entityType, p.clock().UTC()); err != nil {
				return totalApplied, err
			}
		}
		totalApplied += applied
	}
	return totalApplied, nil
}

// PullReadOnly mirrors rows of the allow-listed tables changed since the
// shared read-only cursor and advances that cursor.
func (p *Puller) PullReadOnly(ctx context.Context) (int, error) {
	since, err := p.store.PullCursor(ctx, localstore.ReadOnlyCursorKey)
	if err != nil {
		return 0, err
	}

	tables := make([]string, 0, len(p.readOnlyTables))
	for table := range p.readOnlyTables {
		tables = append(tables, table)
	}

	rowsByTable, err := p.api.PullReadOnly(ctx, tables, since)
	if err != nil {
		return 0, fmt.Errorf("pull readonly: %w", err)
	}

	applied := 0
	for table, rows := range rowsByTable {
		keyField, ok := p.readOnlyTables[table]
		if !ok {
			continue
		}
		for _, row := range rows {
			var decoded map[string]any
			if err := json.Unmarshal(row, &decoded); err != nil {
				return applied, fmt.Errorf("decode %s row: %w", table, err)
			}
			entityID, _ := decoded[keyField].(string)
			if entityID == "" {
				p.logger.Warn("read-only row missing primary key skipped",
					zap.String("table", table),
					zap.String("key_field", keyField))
				continue
			}
			if err := p.store.UpsertRecord(ctx, table, entityID, string(row)); err != nil {
				return applied, err
			}
			applied++
		}
	}

	if err := p.store.SetPullCursor(ctx, localstore.ReadOnlyCursorKey, p.clock().UTC()); err != nil {
		return applied, err
	}
	return applied, nil
}
