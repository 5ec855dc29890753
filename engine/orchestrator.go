/*
orchestrator.go - Ledger Mutation Orchestrator

PURPOSE:
  Entry points the ledger CRUD layer calls right after a ledger entry is
  created, updated, or deleted. Each call sequences Reconcile, Reversal,
  Resolve, Allocate and Write for the entry's counterparty.

SEQUENCES:
  Create: Reconcile(valid + self) -> Reverse(self) -> Resolve -> Allocate -> Write
  Update: Reconcile(valid + self) -> Reverse(self) -> [Reconcile(previous cp)]
          -> Resolve -> Allocate -> Write
  Delete: Reverse(self) -> Reconcile(valid - self)
  No counterparty: skipped, unless an update just detached one, in which case
          it runs the Delete sequence against the previous counterparty.

  Create reverses itself too so that a retried create converges to the same
  distribution instead of stacking on top of the first one.

FAILURE POLICY:
  The ledger mutation has already succeeded when these run. A failing step
  stops the sequence, is logged, and is reported on Outcome.Err. Nothing is
  compensated; the next Reconcile pass heals leftovers.

  When the Store implements TxStore, each sequence runs inside one WithTx and
  a failure rolls the whole sequence back instead.

CONCURRENCY:
  Orchestrations lock their counterparties through Locker. The default
  in-process KeyedMutex only serializes callers sharing one Orchestrator;
  manual payments written around the engine are not covered.

SEE ALSO:
  - reconciler.go, reversal.go, writer.go: The steps
  - api/handlers.go: Invokes these after ledger CRUD
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the allocation sequences.
type Orchestrator struct {
	Store     Store
	Locker    Locker
	Publisher Publisher
	Logger    logrus.FieldLogger

	Now   func() time.Time
	NewID IDFunc
}

// NewOrchestrator returns an orchestrator with in-process locks, no event
// publishing and the standard logrus logger.
func NewOrchestrator(store Store) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Locker:    NewKeyedMutex(),
		Publisher: NopPublisher{},
		Logger:    logrus.StandardLogger(),
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     func() string { return uuid.NewString() },
	}
}

// CounterpartyLister enumerates every counterparty with orders or entries.
type CounterpartyLister interface {
	ListCounterparties(ctx context.Context) ([]Counterparty, error)
}

// OnLedgerEntryCreated distributes a new entry over its counterparty's
// outstanding orders.
func (o *Orchestrator) OnLedgerEntryCreated(ctx context.Context, entry LedgerEntry) Outcome {
	return o.allocate(ctx, "create", nil, entry)
}

// OnLedgerEntryUpdated undoes the entry's previous distribution and computes
// a new one. previous is the entry as it was before the update; pass nil if
// unknown.
func (o *Orchestrator) OnLedgerEntryUpdated(ctx context.Context, previous *LedgerEntry, entry LedgerEntry) Outcome {
	return o.allocate(ctx, "update", previous, entry)
}

// OnLedgerEntryDeleted removes every payment record the entry produced.
func (o *Orchestrator) OnLedgerEntryDeleted(ctx context.Context, entry LedgerEntry) Outcome {
	var cp *Counterparty
	if entry.HasCounterparty() {
		c := entry.Counterparty()
		cp = &c
	}
	return o.detach(ctx, "delete", entry, cp)
}

// Reconcile strips orphan payment records from one counterparty's orders.
// It is the manual repair tool and, unlike the On* hooks, returns its error.
func (o *Orchestrator) Reconcile(ctx context.Context, cp Counterparty) (ReconcileReport, error) {
	return o.reconcile(ctx, cp, "manual")
}

// ReconcileAll reconciles every counterparty the lister knows about.
// Failures are collected; one bad counterparty does not stop the sweep.
func (o *Orchestrator) ReconcileAll(ctx context.Context, lister CounterpartyLister, trigger string) ([]ReconcileReport, error) {
	cps, err := lister.ListCounterparties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list counterparties: %w", err)
	}

	var reports []ReconcileReport
	var errs []error
	for _, cp := range cps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := o.reconcile(ctx, cp, trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cp, err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (o *Orchestrator) allocate(ctx context.Context, trigger string, previous *LedgerEntry, entry LedgerEntry) Outcome {
	out := Outcome{LedgerEntryID: entry.ID, Counterparty: entry.Counterparty(), Unallocated: decimal.Zero}
	log := o.entryLogger(trigger, entry)

	if err := entry.Validate(); err != nil {
		out.State = StateFailed
		out.Err = err
		log.WithError(err).Error("ledger entry rejected by allocation engine")
		return out
	}

	var stale *Counterparty
	if previous != nil && previous.HasCounterparty() &&
		(!entry.HasCounterparty() || previous.Counterparty() != entry.Counterparty()) {
		cp := previous.Counterparty()
		stale = &cp
	}

	if !entry.HasCounterparty() {
		if trigger == "create" || (previous != nil && stale == nil) {
			out.State = StateSkipped
			return out
		}
		// Detached from its counterparty (or previous state unknown).
		return o.detach(ctx, trigger, entry, stale)
	}

	cp := entry.Counterparty()
	keys := []string{LockKey(cp)}
	if stale != nil {
		keys = append(keys, LockKey(*stale))
	}
	unlock, err := LockAll(ctx, o.Locker, keys...)
	if err != nil {
		return o.fail(log, out, fmt.Errorf("%w: %v", ErrLockNotObtained, err))
	}
	defer unlock()

	var (
		res        Outcome
		reconciled bool
	)
	err = o.run(ctx, func(s Store) error {
		res = out

		valid, err := ValidIDs(ctx, s, cp)
		if err != nil {
			return err
		}
		valid.Add(entry.ID)

		res.Reconcile, err = ReconcileOrders(ctx, s, cp, valid)
		reconciled = true
		if err != nil {
			return err
		}

		res.Reversed, err = Reverse(ctx, s, entry.ID)
		if err != nil {
			return err
		}

		if stale != nil {
			if _, err := o.reconcileExcluding(ctx, s, *stale, entry.ID); err != nil {
				return err
			}
		}

		outstanding, err := ResolveOutstanding(ctx, s, cp)
		if err != nil {
			return err
		}
		result, err := Allocate(entry.Amount, outstanding)
		if err != nil {
			return err
		}
		res.Unallocated = result.Remainder

		stamp := Stamp{LedgerEntryID: entry.ID, Date: entry.Date, Note: entry.Note}
		written, err := WriteAllocations(ctx, s, outstanding, result.Allocations, stamp, o.NewID)
		res.Allocations = keepWritten(result.Allocations, written)
		if err != nil {
			// Whatever was not written is unallocated too.
			res.Unallocated = entry.Amount.Sub(sumAllocations(res.Allocations))
		}
		return err
	})

	if err != nil && o.transactional() {
		res = out
		res.Unallocated = decimal.Zero
	}
	out = res
	out.LedgerEntryID = entry.ID
	out.Counterparty = cp

	if reconciled {
		o.recordRun(ctx, trigger, out.Reconcile, err)
	}
	if err != nil {
		out = o.fail(log, out, err)
	} else {
		out.State = StateAllocated
		if out.Unallocated.IsPositive() {
			log.WithField("unallocated", out.Unallocated.String()).
				Warn("payment exceeds outstanding balance; remainder not allocated")
		}
		log.WithField("orders", len(out.Allocations)).Info("ledger entry allocated")
	}

	o.publish(ctx, log, TopicAllocationCompleted, eventFromOutcome(out, o.Now()))
	return out
}

// detach reverses the entry and, when cp is set, reconciles cp without it.
func (o *Orchestrator) detach(ctx context.Context, trigger string, entry LedgerEntry, cp *Counterparty) Outcome {
	out := Outcome{LedgerEntryID: entry.ID, Unallocated: decimal.Zero}
	if cp != nil {
		out.Counterparty = *cp
	}
	log := o.entryLogger(trigger, entry)

	var keys []string
	if cp != nil {
		keys = append(keys, LockKey(*cp))
	}
	unlock, err := LockAll(ctx, o.Locker, keys...)
	if err != nil {
		return o.fail(log, out, fmt.Errorf("%w: %v", ErrLockNotObtained, err))
	}
	defer unlock()

	var (
		res        Outcome
		reconciled bool
	)
	err = o.run(ctx, func(s Store) error {
		res = out

		n, reverseErr := Reverse(ctx, s, entry.ID)
		res.Reversed = n
		if cp == nil {
			return reverseErr
		}

		// Safety net: runs even if the reversal only got part way.
		rep, reconcileErr := o.reconcileExcluding(ctx, s, *cp, entry.ID)
		res.Reconcile = rep
		reconciled = true
		return errors.Join(reverseErr, reconcileErr)
	})

	if err != nil && o.transactional() {
		res = out
	}
	out = res

	if reconciled {
		o.recordRun(ctx, trigger, out.Reconcile, err)
	}
	if err != nil {
		out = o.fail(log, out, err)
	} else {
		out.State = StateReversed
		log.WithField("orders", out.Reversed).Info("ledger entry allocation reversed")
	}

	o.publish(ctx, log, TopicAllocationReversed, eventFromOutcome(out, o.Now()))
	return out
}

func (o *Orchestrator) reconcile(ctx context.Context, cp Counterparty, trigger string) (ReconcileReport, error) {
	if cp.Name == "" || !cp.Role.Valid() {
		return ReconcileReport{Counterparty: cp}, &ValidationError{Field: "counterparty", Message: "name and role are required"}
	}
	log := o.Logger.WithFields(logrus.Fields{
		"module":       "engine",
		"op":           "reconcile",
		"trigger":      trigger,
		"counterparty": cp.Name,
		"role":         cp.Role,
	})

	unlock, err := o.Locker.Lock(ctx, LockKey(cp))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrLockNotObtained, err)
		log.WithError(err).Error("reconcile failed")
		return ReconcileReport{Counterparty: cp}, err
	}
	defer unlock()

	var report ReconcileReport
	err = o.run(ctx, func(s Store) error {
		valid, err := ValidIDs(ctx, s, cp)
		if err != nil {
			report = ReconcileReport{Counterparty: cp}
			return err
		}
		report, err = ReconcileOrders(ctx, s, cp, valid)
		return err
	})

	o.recordRun(ctx, trigger, report, err)
	ev := ReconciliationEvent{
		Counterparty:  cp.Name,
		Role:          cp.Role,
		Trigger:       trigger,
		Scanned:       report.Scanned,
		Patched:       report.Patched,
		Removed:       report.Removed,
		RemovedAmount: report.RemovedAmount,
		At:            o.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		log.WithError(err).Error("reconcile failed")
	} else if !report.Clean() {
		log.WithFields(logrus.Fields{
			"removed":        report.Removed,
			"removed_amount": report.RemovedAmount.String(),
		}).Warn("orphan payment records removed")
	}
	o.publish(ctx, log, TopicReconciliationCompleted, ev)
	return report, err
}

// reconcileExcluding reconciles cp against its current entries minus id.
func (o *Orchestrator) reconcileExcluding(ctx context.Context, s Store, cp Counterparty, id string) (ReconcileReport, error) {
	valid, err := ValidIDs(ctx, s, cp)
	if err != nil {
		return ReconcileReport{Counterparty: cp}, err
	}
	valid.Remove(id)
	return ReconcileOrders(ctx, s, cp, valid)
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) transactional() bool {
	_, ok := o.Store.(TxStore)
	return ok
}

func (o *Orchestrator) run(ctx context.Context, fn func(Store) error) error {
	if tx, ok := o.Store.(TxStore); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(o.Store)
}

func (o *Orchestrator) entryLogger(trigger string, entry LedgerEntry) logrus.FieldLogger {
	return o.Logger.WithFields(logrus.Fields{
		"module":          "engine",
		"op":              trigger,
		"ledger_entry_id": entry.ID,
		"counterparty":    entry.CounterpartyName,
		"role":            entry.Role(),
	})
}

func (o *Orchestrator) fail(log logrus.FieldLogger, out Outcome, err error) Outcome {
	out.State = StateFailed
	out.Err = err
	entry := log.WithError(err)
	if errors.Is(err, ErrNotFound) {
		entry.Info("record vanished during allocation; treated as handled")
		return out
	}
	entry.Error("allocation step failed; next reconcile pass will repair")
	return out
}

func (o *Orchestrator) publish(ctx context.Context, log logrus.FieldLogger, topic string, event any) {
	if o.Publisher == nil {
		return
	}
	if err := o.Publisher.Publish(ctx, topic, event); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish event")
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, trigger string, report ReconcileReport, runErr error) {
	rec, ok := o.Store.(RunRecorder)
	if !ok {
		return
	}
	now := o.Now()
	run := ReconciliationRun{
		ID:            o.NewID(),
		Counterparty:  report.Counterparty,
		Trigger:       trigger,
		Scanned:       report.Scanned,
		Patched:       report.Patched,
		Removed:       report.Removed,
		RemovedAmount: report.RemovedAmount,
		Status:        "clean",
		StartedAt:     now,
		CompletedAt:   now,
	}
	switch {
	case runErr != nil:
		run.Status = "failed"
		run.Error = runErr.Error()
	case !report.Clean():
		run.Status = "repaired"
	}
	if err := rec.SaveReconciliationRun(ctx, run); err != nil {
		o.Logger.WithError(err).WithField("module", "engine").Warn("failed to record reconciliation run")
	}
}

func keepWritten(allocs []Allocation, written []string) []Allocation {
	ok := NewIDSet(written...)
	kept := make([]Allocation, 0, len(allocs))
	for _, a := range allocs {
		if ok.Contains(a.OrderID) {
			kept = append(kept, a)
		}
	}
	return kept
}

func sumAllocations(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}
