package engine

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// REVERSAL - Undo a ledger entry's allocation everywhere
// =============================================================================

// Reverse removes every payment record tagged with ledgerEntryID from every
// order. It scans all orders: after a counterparty change the old records
// live under a different counterparty than the entry now names.
//
// Returns the number of orders patched. An order that vanished mid-way counts
// as handled. Other patch failures do not stop the pass; they are returned
// as a *PartialFailureError and left for the Reconciler.
func Reverse(ctx context.Context, store Store, ledgerEntryID string) (int, error) {
	if ledgerEntryID == "" {
		return 0, nil
	}

	orders, err := store.ScanOrders(ctx, OrderFilter{})
	if err != nil {
		return 0, fmt.Errorf("reverse %s: %w", ledgerEntryID, err)
	}

	var patched []string
	failed := map[string]error{}

	for _, o := range orders {
		kept, removed := partition(o.PaymentRecords, func(p PaymentRecord) bool {
			return p.LedgerEntryID == ledgerEntryID
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
	}

	if len(failed) > 0 {
		return len(patched), &PartialFailureError{Op: "reverse", Succeeded: patched, Failed: failed}
	}
	return len(patched), nil
}

// partition splits records into those to keep and a count of those dropped.
// The kept slice is never nil so a patch always writes an explicit list.
func partition(records []PaymentRecord, drop func(PaymentRecord) bool) ([]PaymentRecord, int) {
	kept := make([]PaymentRecord, 0, len(records))
	removed := 0
	for _, p := range records {
		if drop(p) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	return kept, removed
}
