package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTSTANDING-BALANCE RESOLVER
// =============================================================================

// OutstandingOrder pairs an order with its unpaid balance.
type OutstandingOrder struct {
	Order       Order
	Outstanding decimal.Decimal
}

// OrderKey is the total order used to queue debts: order date, then
// creation time, then id. Oldest debts are paid first. UpdatedAt is not part
// of the key because every payment patch moves it.
type OrderKey struct {
	Date      time.Time
	CreatedAt time.Time
	ID        string
}

// KeyOf builds the sort key for an order.
func KeyOf(o Order) OrderKey {
	return OrderKey{
		Date:      o.Date,
		CreatedAt: o.CreatedAt,
		ID:        o.ID,
	}
}

// Less compares two keys field by field. Times are compared directly, so
// dates far outside the int64 nanosecond range still sort correctly.
func (k OrderKey) Less(other OrderKey) bool {
	if c := k.Date.Compare(other.Date); c != 0 {
		return c < 0
	}
	if c := k.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c < 0
	}
	return k.ID < other.ID
}

// SortOrders sorts in place by OrderKey.
func SortOrders(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return KeyOf(orders[i]).Less(KeyOf(orders[j]))
	})
}

// ResolveOutstanding loads the counterparty's orders and returns the ones
// that can still absorb a payment, oldest first. Orders marked settled or
// with nothing outstanding are excluded.
//
// A scan failure is returned as-is; callers must not allocate against a
// partial list.
func ResolveOutstanding(ctx context.Context, store Store, cp Counterparty) ([]OutstandingOrder, error) {
	orders, err := store.GetOrders(ctx, cp.Name, cp.Role)
	if err != nil {
		return nil, fmt.Errorf("resolve outstanding for %s: %w", cp, err)
	}
	return OutstandingFrom(orders), nil
}

// OutstandingFrom filters and orders an already-loaded set of orders.
func OutstandingFrom(orders []Order) []OutstandingOrder {
	sorted := make([]Order, len(orders))
	copy(sorted, orders)
	SortOrders(sorted)

	result := make([]OutstandingOrder, 0, len(sorted))
	for _, o := range sorted {
		if o.Settled {
			continue
		}
		out := o.Outstanding()
		if !out.IsPositive() {
			continue
		}
		result = append(result, OutstandingOrder{Order: o, Outstanding: out})
	}
	return result
}
