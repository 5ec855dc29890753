/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Runs ReconcileAll on a ticker so orphan payment records left behind by
  partial failures, retried mutations or out-of-band deletes are stripped
  without anyone calling the repair endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start
  - Every pass is recorded in the reconciliation log (trigger "scheduled")
    when the store supports it

USAGE:
  scheduler := NewReconciliationScheduler(orch, store, logger)
  scheduler.CheckInterval = 15 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileAll endpoint (manual sweep)
  - engine/orchestrator.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/payment-allocator/engine"
)

// ReconciliationScheduler sweeps every counterparty periodically.
type ReconciliationScheduler struct {
	Orchestrator  *engine.Orchestrator
	Lister        engine.CounterpartyLister
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(orch *engine.Orchestrator, lister engine.CounterpartyLister, logger logrus.FieldLogger) *ReconciliationScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Orchestrator:  orch,
		Lister:        lister,
		Logger:        logger.WithField("module", "scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.sweep(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ([]engine.ReconcileReport, error) {
	return rs.sweep(ctx)
}

func (rs *ReconciliationScheduler) sweep(ctx context.Context) ([]engine.ReconcileReport, error) {
	started := time.Now()
	reports, err := rs.Orchestrator.ReconcileAll(ctx, rs.Lister, "scheduled")

	repaired, removed := 0, 0
	for _, r := range reports {
		if !r.Clean() {
			repaired++
			removed += r.Removed
		}
	}

	log := rs.Logger.WithFields(logrus.Fields{
		"counterparties": len(reports),
		"repaired":       repaired,
		"removed":        removed,
		"duration":       time.Since(started).String(),
	})
	if err != nil {
		log.WithError(err).Error("reconciliation sweep finished with errors")
		return reports, err
	}
	log.Info("reconciliation sweep completed")
	return reports, nil
}
