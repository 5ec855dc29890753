package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS - Published after each orchestration
// =============================================================================

const (
	TopicAllocationCompleted     = "allocation.completed"
	TopicAllocationReversed      = "allocation.reversed"
	TopicReconciliationCompleted = "reconciliation.completed"
)

// Publisher sends engine events to interested services.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// AllocationLine is one order's share in an event.
type AllocationLine struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// AllocationEvent is published on allocation.completed and allocation.reversed.
type AllocationEvent struct {
	LedgerEntryID string           `json:"ledger_entry_id"`
	Counterparty  string           `json:"counterparty"`
	Role          Role             `json:"role"`
	State         State            `json:"state"`
	Allocations   []AllocationLine `json:"allocations,omitempty"`
	Unallocated   decimal.Decimal  `json:"unallocated"`
	Reversed      int              `json:"reversed_orders"`
	Error         string           `json:"error,omitempty"`
	At            time.Time        `json:"at"`
}

// ReconciliationEvent is published on reconciliation.completed.
type ReconciliationEvent struct {
	Counterparty  string          `json:"counterparty"`
	Role          Role            `json:"role"`
	Trigger       string          `json:"trigger"`
	Scanned       int             `json:"scanned"`
	Patched       int             `json:"patched"`
	Removed       int             `json:"removed"`
	RemovedAmount decimal.Decimal `json:"removed_amount"`
	Error         string          `json:"error,omitempty"`
	At            time.Time       `json:"at"`
}

func eventFromOutcome(o Outcome, at time.Time) AllocationEvent {
	ev := AllocationEvent{
		LedgerEntryID: o.LedgerEntryID,
		Counterparty:  o.Counterparty.Name,
		Role:          o.Counterparty.Role,
		State:         o.State,
		Unallocated:   o.Unallocated,
		Reversed:      o.Reversed,
		At:            at,
	}
	for _, a := range o.Allocations {
		ev.Allocations = append(ev.Allocations, AllocationLine{OrderID: a.OrderID, Amount: a.Amount})
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}
