package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/internal/gateway/services"
	"github.com/openfuture/open-commerce/pkg/metrics"
)

// ReconciliationWorker is the poll-path driver: on each tick it walks the
// unarchived watched orders, fetches the remote charge status for each, and
// feeds it through the reconciliation pipeline.
type ReconciliationWorker struct {
	store   interfaces.OrderStore
	service *services.ReconciliationService
	log     *zap.Logger

	watched    []interfaces.OrderStatus
	interval   time.Duration
	fetchDelay time.Duration

	// sleep is swapped out in tests to avoid real delays.
	sleep func(time.Duration)

	stopCh chan struct{}
}

// NewReconciliationWorker creates a new reconciliation worker.
func NewReconciliationWorker(
	store interfaces.OrderStore,
	service *services.ReconciliationService,
	log *zap.Logger,
	watched []interfaces.OrderStatus,
	interval, fetchDelay time.Duration,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		store:      store,
		service:    service,
		log:        log,
		watched:    watched,
		interval:   interval,
		fetchDelay: fetchDelay,
		sleep:      time.Sleep,
	}
}

// Name returns the worker name.
func (w *ReconciliationWorker) Name() string {
	return "reconciliation-worker"
}

// Start starts the reconciliation worker.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.stopCh = make(chan struct{})
	if w.sleep == nil {
		w.sleep = time.Sleep
	}

	go w.run(ctx)
	return nil
}

// Stop stops the reconciliation worker.
func (w *ReconciliationWorker) Stop(ctx context.Context) error {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	return nil
}

func (w *ReconciliationWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.reconcileBatch(ctx); err != nil {
				w.log.Error("failed to run reconciliation batch", zap.Error(err))
			}
		}
	}
}

// reconcileBatch runs one poll pass. Remote fetches are deliberately
// serialized with a fixed delay between calls to respect upstream request
// quotas; a single order's failure never aborts the batch. Overlapping
// batches cannot corrupt state because every transition is idempotent.
func (w *ReconciliationWorker) reconcileBatch(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.PollBatchDuration.Observe(time.Since(started).Seconds())
	}()

	orders, err := w.store.QueryReconcilable(ctx, w.watched)
	if err != nil {
		return err
	}

	for _, order := range orders {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		w.sleep(w.fetchDelay)

		if _, err := w.service.ReconcileOrder(ctx, order); err != nil {
			metrics.RemoteFetchFailures.Inc()
			w.log.Error("failed to reconcile order",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
			continue
		}
	}

	w.log.Debug("reconciliation batch completed",
		zap.Int("orders", len(orders)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// CleanupWorker prunes webhook delivery audit rows past the configured
// retention window.
type CleanupWorker struct {
	store     interfaces.OrderStore
	log       *zap.Logger
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCleanupWorker creates a new cleanup worker.
func NewCleanupWorker(store interfaces.OrderStore, log *zap.Logger, retention, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		store:     store,
		log:       log,
		retention: retention,
		interval:  interval,
	}
}

// Name returns the worker name.
func (w *CleanupWorker) Name() string {
	return "cleanup-worker"
}

// Start starts the cleanup worker.
func (w *CleanupWorker) Start(ctx context.Context) error {
	w.stopCh = make(chan struct{})

	go w.run(ctx)
	return nil
}

// Stop stops the cleanup worker.
func (w *CleanupWorker) Stop(ctx context.Context) error {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	return nil
}

func (w *CleanupWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.prune(ctx); err != nil {
				w.log.Error("failed to prune webhook deliveries", zap.Error(err))
			}
		}
	}
}

func (w *CleanupWorker) prune(ctx context.Context) error {
	cutoff := time.Now().Add(-w.retention)
	count, err := w.store.PruneDeliveries(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		w.log.Info("pruned webhook deliveries",
			zap.Int64("count", count),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
