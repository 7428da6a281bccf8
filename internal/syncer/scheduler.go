package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultSyncInterval spaces scheduled sync cycles.
const DefaultSyncInterval = 30 * time.Second

var (
	errMissingPuller = errors.New("puller is required")
	errMissingPusher = errors.New("pusher is required")
)

// SchedulerConfig configures the sync loop.
type SchedulerConfig struct {
	Puller   *Puller
	Pusher   *Pusher
	Interval time.Duration
	Logger   *zap.Logger
}

// Scheduler runs pull-then-push cycles: once immediately on Start, then
// on the fixed interval, plus on demand via TriggerSync. A cycle already
// in flight turns an overlapping tick into a no-op.
type Scheduler struct {
	puller   *Puller
	pusher   *Pusher
	interval time.Duration
	logger   *zap.Logger

	running atomic.Bool
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Puller == nil {
		return nil, errMissingPuller
	}
	if cfg.Pusher == nil {
		return nil, errMissingPusher
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		puller:   cfg.Puller,
		pusher:   cfg.Pusher,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.done != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.RunCycle(runCtx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.RunCycle(runCtx)
			case <-s.trigger:
				s.RunCycle(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// TriggerSync requests an immediate cycle, used right after a local
// write so interactive edits do not wait out the interval. The request
// coalesces with one already queued.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunCycle performs one pull-then-push cycle: two-way pull, read-only
// pull, push, strictly in that order. Remote changes land before local
// ones leave, which narrows the window for pushing a stale value over a
// newer remote one. Overlapping calls while a cycle runs are no-ops.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	if applied, err := s.puller.PullTwoWay(ctx); err != nil {
		s.logger.Warn("two-way pull failed, retrying next cycle", zap.Error(err))
	} else if applied > 0 {
		s.logger.Info("two-way pull applied events", zap.Int("count", applied))
	}

	if applied, err := s.puller.PullReadOnly(ctx); err != nil {
		s.logger.Warn("read-only pull failed, retrying next cycle", zap.Error(err))
	} else if applied > 0 {
		s.logger.Info("read-only pull applied rows", zap.Int("count", applied))
	}

	if err := s.pusher.RunCycle(ctx); err != nil {
		s.logger.Warn("push cycle failed", zap.Error(err))
	}
}
