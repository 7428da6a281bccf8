package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tbqdigital/shopcore/internal/localstore"
	"go.uber.org/zap"
)

// PushBatchLimit caps the number of outbox rows sent per cycle.
const PushBatchLimit = 100

// pushBackoffDelays are the fixed waits between consecutive push
// attempts within one cycle; the cycle makes one more attempt than
// there are waits.
var pushBackoffDelays = []time.Duration{5 * time.Second, 15 * time.Second}

const pushAttempts = 3

var (
	errMissingStore = errors.New("local store is required")
	errMissingAPI   = errors.New("sync api is required")
)

// PusherConfig configures the outbox drain.
type PusherConfig struct {
	Store  *localstore.Store
	API    API
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// Pusher drains the local outbox to the cloud. Either the whole batch
// round-trips successfully and is removed, or the outbox is left
// untouched for the next cycle; there is no partial application.
type Pusher struct {
	store  *localstore.Store
	api    API
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewPusher validates the configuration and returns a Pusher.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{store: cfg.Store, api: cfg.API, clock: clock, sleep: sleep, logger: logger}, nil
}

// RunCycle reads one outbox batch and pushes it, retrying transport
// failures with the fixed backoff schedule. After the retries are
// exhausted every row stays queued and a warning is logged.
func (p *Pusher) RunCycle(ctx context.Context) error {
	batch, err := p.store.PendingBatch(ctx, PushBatchLimit)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	items := make([]PushRequestItem, 0, len(batch))
	pendingIDs := make([]string, 0, len(batch))
	for _, row := range batch {
		payload := json.RawMessage(nil)
		if row.PayloadJSON != "" {
			payload = json.RawMessage(row.PayloadJSON)
		}
		items = append(items, PushRequestItem{
			EntityType:     row.EntityType,
			EntityID:       row.EntityID,
			Action:         row.Action,
			Payload:        payload,
			IdempotencyKey: row.IdempotencyKey,
		})
		pendingIDs = append(pendingIDs, row.PendingID)
	}

	var response PushResponse
	var pushErr error
	for attempt := 0; attempt < pushAttempts; attempt++ {
		response, pushErr = p.api.Push(ctx, items)
		if pushErr == nil {
			break
		}
		p.logger.Warn("sync push attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("rows", len(items)),
			zap.Error(pushErr))
		// No wait after the final attempt; the cycle reports the failure
		// right away.
		if attempt == pushAttempts-1 {
			break
		}
		if err := p.sleep(ctx, pushBackoffDelays[attempt]); err != nil {
			return err
		}
	}
	if pushErr != nil {
		p.logger.Warn("sync push cycle exhausted retries, outbox left untouched",
			zap.Int("rows", len(items)),
			zap.Error(pushErr))
		return pushErr
	}

	// The cloud acknowledged the batch (accepted or deduplicated), so
	// exactly the rows included in it leave the outbox.
	if err := p.store.DeletePending(ctx, pendingIDs); err != nil {
		return err
	}

	now := p.clock().UTC()
	seen := map[string]bool{}
	for _, row := range batch {
		if seen[row.EntityType] {
			continue
		}
		seen[row.EntityType] = true
		if err := p.store.SetPushCursor(ctx, row.EntityType, now); err != nil {
			return err
		}
	}

	p.logger.Info("sync push cycle complete",
		zap.Int("rows", len(items)),
		zap.Int("accepted", response.Accepted),
		zap.Int("skipped", response.Skipped),
		zap.Int("errors", len(response.Errors)))
	for _, itemError := range response.Errors {
		p.logger.Warn("sync push item rejected",
			zap.String("entity_type", itemError.EntityType),
			zap.String("entity_id", itemError.EntityID),
			zap.String("reason", itemError.Reason))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
