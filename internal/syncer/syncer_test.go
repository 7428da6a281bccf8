package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tbqdigital/shopcore/internal/localstore"
)

// stubAPI is a scripted in-memory cloud endpoint.
type stubAPI struct {
	mu sync.Mutex

	events   map[string][]Event
	readOnly map[string][]json.RawMessage
	pullErr  error

	pushFailures int
	pushCalls    int
	pushedItems  [][]PushRequestItem
	pushResponse PushResponse
	pushStarted  chan struct{}
	pushBlock    chan struct{}
}

func (s *stubAPI) PullEvents(ctx context.Context, entityType string, since time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	return s.events[entityType], nil
}

func (s *stubAPI) PullReadOnly(ctx context.Context, tables []string, since time.Time) (map[string][]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	if s.readOnly == nil {
		return map[string][]json.RawMessage{}, nil
	}
	return s.readOnly, nil
}

func (s *stubAPI) Push(ctx context.Context, items []PushRequestItem) (PushResponse, error) {
	s.mu.Lock()
	started := s.pushStarted
	block := s.pushBlock
	s.pushCalls++
	s.pushedItems = append(s.pushedItems, items)
	failing := s.pushFailures > 0
	if failing {
		s.pushFailures--
	}
	s.mu.Unlock()

	if started != nil {
		close(started)
		s.mu.Lock()
		s.pushStarted = nil
		s.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	if failing {
		return PushResponse{}, context.DeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	response := s.pushResponse
	if response.Accepted == 0 && len(response.Errors) == 0 && response.Skipped == 0 {
		response.Accepted = len(items)
	}
	return response, nil
}

func (s *stubAPI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushCalls
}

func newSyncTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected db error: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	store, err := localstore.NewStore(localstore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

// recordingSleeper captures backoff waits instead of sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func mustPendingCount(t *testing.T, store *localstore.Store) int64 {
	t.Helper()
	count, err := store.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	return count
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
