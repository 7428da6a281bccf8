package commerce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errMissingService = errors.New("commerce service is required")

// ConfirmedTxn pairs a confirmed provider transaction with the order it settles.
type ConfirmedTxn struct {
	OrderID string
	Txn     PaymentTxn
}

// PaymentSource lists confirmed transactions that may not have reached
// the webhook, typically by polling the provider's statement API. A nil
// source leaves the reconciler releasing expired reservations only.
type PaymentSource interface {
	ConfirmedTransactions(ctx context.Context) ([]ConfirmedTxn, error)
}

// ReconcilerConfig configures the polling reconciler.
type ReconcilerConfig struct {
	Service  *Service
	Source   PaymentSource
	Interval time.Duration
	Logger   *zap.Logger
}

// Reconciler is the second finalize trigger: it periodically polls the
// payment source and drives every confirmed transaction through
// Finalize. The finalizer's idempotency guards make the overlap with
// live webhooks safe.
type Reconciler struct {
	service  *Service
	source   PaymentSource
	interval time.Duration
	logger   *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
}

// NewReconciler validates the configuration and returns a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		service:  cfg.Service,
		source:   cfg.Source,
		interval: interval,
		logger:   logger,
	}, nil
}

// Start runs one cycle immediately, then on the configured interval
// until Stop is called or the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.done != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.RunOnce(runCtx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.RunOnce(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (r *Reconciler) Stop() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.done == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

// RunOnce performs a single reconcile cycle. An overlapping call while a
// cycle is in flight is a no-op.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)

	if _, err := r.service.ReleaseExpiredReservations(ctx); err != nil {
		r.logger.Warn("expired reservation release failed", zap.Error(err))
	}

	if r.source == nil {
		return
	}
	confirmed, err := r.source.ConfirmedTransactions(ctx)
	if err != nil {
		r.logger.Warn("payment source poll failed", zap.Error(err))
		return
	}

	for _, item := range confirmed {
		result, err := r.service.Finalize(ctx, item.OrderID, item.Txn, "reconciler")
		if err != nil {
			r.logger.Warn("reconcile finalize failed",
				zap.String("order_id", item.OrderID),
				zap.String("transaction_id", item.Txn.TransactionID),
				zap.Error(err))
			continue
		}
		if !result.AlreadyFulfilled {
			r.logger.Info("order fulfilled by reconciler",
				zap.String("order_id", item.OrderID),
				zap.String("transaction_id", item.Txn.TransactionID),
				zap.String("invoice", result.InvoiceNumber))
		}
	}
}
