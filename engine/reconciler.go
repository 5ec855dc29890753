package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILER - Strip orphan payment records
// =============================================================================

// IDSet is a set of ledger entry ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Add(id string)           { s[id] = struct{}{} }
func (s IDSet) Remove(id string)        { delete(s, id) }
func (s IDSet) Contains(id string) bool { _, ok := s[id]; return ok }

// ValidIDs lists the ledger entries currently allocated against the
// counterparty and returns their ids.
func ValidIDs(ctx context.Context, store Store, cp Counterparty) (IDSet, error) {
	entries, err := store.GetLedgerEntries(ctx, cp.Name, cp.Role)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", cp, err)
	}
	ids := make(IDSet, len(entries))
	for _, e := range entries {
		ids.Add(e.ID)
	}
	return ids, nil
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Counterparty  Counterparty
	Scanned       int
	Patched       int
	Removed       int
	RemovedAmount decimal.Decimal
}

// Clean reports whether the pass found nothing to strip.
func (r ReconcileReport) Clean() bool { return r.Removed == 0 }

// ReconcileOrders scans the counterparty's orders and strips every
// engine-owned payment record whose ledger entry id is not in valid.
// Manual records are never touched. Running it twice with the same valid set
// changes nothing the second time.
func ReconcileOrders(ctx context.Context, store Store, cp Counterparty, valid IDSet) (ReconcileReport, error) {
	report := ReconcileReport{Counterparty: cp, RemovedAmount: decimal.Zero}

	orders, err := store.GetOrders(ctx, cp.Name, cp.Role)
	if err != nil {
		return report, fmt.Errorf("reconcile %s: %w", cp, err)
	}
	report.Scanned = len(orders)

	var patched []string
	failed := map[string]error{}

	for _, o := range orders {
		removedAmount := decimal.Zero
		kept, removed := partition(o.PaymentRecords, func(p PaymentRecord) bool {
			orphan := p.EngineOwned() && !valid.Contains(p.LedgerEntryID)
			if orphan {
				removedAmount = removedAmount.Add(p.Amount)
			}
			return orphan
		})
		if removed == 0 {
			continue
		}
		if err := store.PatchOrderPayments(ctx, o.ID, kept); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			failed[o.ID] = err
			continue
		}
		patched = append(patched, o.ID)
		report.Removed += removed
		report.RemovedAmount = report.RemovedAmount.Add(removedAmount)
	}
	report.Patched = len(patched)

	if len(failed) > 0 {
		return report, &PartialFailureError{Op: "reconcile", Succeeded: patched, Failed: failed}
	}
	return report, nil
}
