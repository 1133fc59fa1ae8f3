package job

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"membershippay/internal/config"
	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/repository"
	"membershippay/internal/service"

	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"
)

// StatusReconciler is satisfied by *service.Reconciler.
type StatusReconciler interface {
	Reconcile(ctx context.Context, ref string) (*service.SyncResult, error)
}

// ReconcileJob polls the gateway for entries that have been pending too
// long, covering webhooks that never arrived.
type ReconcileJob struct {
	ledgerRepo *repository.LedgerRepository
	reconciler StatusReconciler
	stopCh     chan struct{}
	interval   time.Duration
	staleAfter time.Duration
	workers    int
	batchSize  int
	now        func() time.Time
}

func NewReconcileJob(db *gorm.DB, reconciler StatusReconciler, cfg *config.Config) *ReconcileJob {
	j := &ReconcileJob{
		ledgerRepo: repository.NewLedgerRepository(db),
		reconciler: reconciler,
		stopCh:     make(chan struct{}),
		interval:   cfg.Reconcile.Interval,
		staleAfter: cfg.Reconcile.StaleAfter,
		workers:    cfg.Reconcile.Workers,
		batchSize:  cfg.Reconcile.BatchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if j.interval <= 0 {
		j.interval = time.Minute
	}
	if j.workers <= 0 {
		j.workers = 1
	}
	if j.batchSize <= 0 {
		j.batchSize = 50
	}
	return j
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log := logging.FromContext(ctx).With("job", "reconcile")
	log.Info("reconcile job started", "interval", j.interval, "stale_after", j.staleAfter)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconcile job stopping: context done")
			return
		case <-j.stopCh:
			log.Info("reconcile job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce reconciles one batch of stale pending debits and refunds and
// returns how many entries reached a terminal state.
func (j *ReconcileJob) RunOnce(ctx context.Context) int {
	log := logging.FromContext(ctx).With("job", "reconcile")
	before := j.now().Add(-j.staleAfter)

	var refs []string
	for _, entryType := range []string{model.EntryTypeDebit, model.EntryTypeRefund} {
		entries, err := j.ledgerRepo.ListStalePending(ctx, entryType, before, j.batchSize)
		if err != nil {
			log.Error("list stale pending entries", "entry_type", entryType, "error", err)
			continue
		}
		for _, e := range entries {
			refs = append(refs, e.TransactionID)
		}
	}
	if len(refs) == 0 {
		return 0
	}
	log.Info("reconciling stale entries", "count", len(refs))

	var settled atomic.Int64
	p := pool.New().WithMaxGoroutines(j.workers)
	for _, ref := range refs {
		ref := ref
		p.Go(func() {
			j.reconcileOne(ctx, log, ref, &settled)
		})
	}
	p.Wait()

	n := int(settled.Load())
	log.Info("reconcile batch done", "checked", len(refs), "settled", n)
	return n
}

func (j *ReconcileJob) reconcileOne(ctx context.Context, log *slog.Logger, ref string, settled *atomic.Int64) {
	if ctx.Err() != nil {
		return
	}
	result, err := j.reconciler.Reconcile(ctx, ref)
	if err != nil {
		log.Warn("reconcile entry", "transaction_id", ref, "error", err)
		return
	}
	switch result.Outcome {
	case service.OutcomeCompleted, service.OutcomeFailed, service.OutcomeLookupFailed:
		settled.Add(1)
	}
}
