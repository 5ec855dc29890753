package engine

import (
	"context"
	"time"
)

// =============================================================================
// ALLOCATION WRITER
// =============================================================================

// Stamp is what the writer puts on each new payment record.
type Stamp struct {
	LedgerEntryID string
	Date          time.Time
	Note          string
}

// IDFunc generates payment record ids.
type IDFunc func() string

// WriteAllocations appends one tagged payment record per allocation to the
// order it targets. orders must contain every allocated order as loaded by
// the resolver; the new records are appended to that snapshot.
//
// Any record already carrying the same ledger entry id is dropped from the
// order in the same patch, so an order never holds two live records from one
// entry even if an earlier reversal did not finish.
//
// Each order is an independent write. On partial failure the written orders
// stay written and a *PartialFailureError lists both sides.
func WriteAllocations(ctx context.Context, store Store, orders []OutstandingOrder, allocs []Allocation, stamp Stamp, newID IDFunc) ([]string, error) {
	byID := make(map[string]Order, len(orders))
	for _, o := range orders {
		byID[o.Order.ID] = o.Order
	}

	var written []string
	failed := map[string]error{}

	for _, a := range allocs {
		order, ok := byID[a.OrderID]
		if !ok {
			failed[a.OrderID] = ErrNotFound
			continue
		}

		records := make([]PaymentRecord, 0, len(order.PaymentRecords)+1)
		for _, p := range order.PaymentRecords {
			if p.LedgerEntryID != stamp.LedgerEntryID {
				records = append(records, p)
			}
		}
		records = append(records, PaymentRecord{
			ID:            newID(),
			Amount:        a.Amount,
			Date:          stamp.Date,
			Note:          stamp.Note,
			LedgerEntryID: stamp.LedgerEntryID,
		})

		if err := store.PatchOrderPayments(ctx, order.ID, records); err != nil {
			failed[order.ID] = err
			continue
		}
		written = append(written, order.ID)
	}

	if len(failed) > 0 {
		return written, &PartialFailureError{Op: "allocate", Succeeded: written, Failed: failed}
	}
	return written, nil
}
