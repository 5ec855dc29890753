package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATOR - Pure FIFO distribution, no I/O
// =============================================================================

// Allocation assigns part of a ledger entry to one order.
type Allocation struct {
	OrderID string
	Amount  decimal.Decimal

	// Outstanding balance of the order before and after this allocation.
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// AllocationResult is the Allocator's output.
type AllocationResult struct {
	Allocations    []Allocation
	TotalAllocated decimal.Decimal

	// Remainder is what the orders could not absorb. It is informational:
	// nothing writes it anywhere.
	Remainder decimal.Decimal
}

// Allocate walks the outstanding orders once, in the given order, taking
// min(remaining, outstanding) from each until the amount is exhausted.
// Entries with no capacity are skipped. The same input always yields the
// same allocations in the same order.
func Allocate(amount decimal.Decimal, outstanding []OutstandingOrder) (AllocationResult, error) {
	if !amount.IsPositive() {
		return AllocationResult{}, ErrInvalidAmount
	}

	result := AllocationResult{TotalAllocated: decimal.Zero}
	remaining := amount

	for _, o := range outstanding {
		if !remaining.IsPositive() {
			break
		}
		if !o.Outstanding.IsPositive() {
			continue
		}

		take := decimal.Min(remaining, o.Outstanding)
		result.Allocations = append(result.Allocations, Allocation{
			OrderID:       o.Order.ID,
			Amount:        take,
			BalanceBefore: o.Outstanding,
			BalanceAfter:  o.Outstanding.Sub(take),
		})
		remaining = remaining.Sub(take)
		result.TotalAllocated = result.TotalAllocated.Add(take)
	}

	result.Remainder = remaining
	return result, nil
}

// Capacity sums the outstanding balances.
func Capacity(outstanding []OutstandingOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range outstanding {
		if o.Outstanding.IsPositive() {
			total = total.Add(o.Outstanding)
		}
	}
	return total
}
