/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Amounts are decimal strings ("300.50"); requests also accept JSON numbers.
  Business dates use YYYY-MM-DD, audit timestamps RFC 3339.

VALIDATION:
  Validation is done in handlers and in engine.LedgerEntry.Validate, not in
  DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-allocator/engine"
)

const dateLayout = "2006-01-02"

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// LedgerEntryDTO represents a ledger entry in API responses.
type LedgerEntryDTO struct {
	ID               string          `json:"id"`
	Direction        string          `json:"direction"`
	Amount           decimal.Decimal `json:"amount"`
	Date             string          `json:"date"`
	CounterpartyKind string          `json:"counterparty_kind,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	Note             string          `json:"note,omitempty"`
	Workspace        string          `json:"workspace,omitempty"`
	CreatedAt        string          `json:"created_at,omitempty"`
	UpdatedAt        string          `json:"updated_at,omitempty"`
}

// LedgerEntryRequest creates or replaces a ledger entry.
type LedgerEntryRequest struct {
	ID               string          `json:"id,omitempty"`
	Direction        string          `json:"direction"`
	Amount           decimal.Decimal `json:"amount"`
	Date             string          `json:"date"`
	CounterpartyKind string          `json:"counterparty_kind,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	Note             string          `json:"note,omitempty"`
	Workspace        string          `json:"workspace,omitempty"`
}

// LedgerEntryResponse is returned by ledger mutations. Allocation is nil
// when the orchestration runs asynchronously.
type LedgerEntryResponse struct {
	Entry             LedgerEntryDTO `json:"entry"`
	Allocation        *OutcomeDTO    `json:"allocation,omitempty"`
	AllocationPending bool           `json:"allocation_pending,omitempty"`
}

// =============================================================================
// ORDERS
// =============================================================================

// OrderDTO represents an order with its payment history.
type OrderDTO struct {
	ID               string             `json:"id"`
	Date             string             `json:"date"`
	Role             string             `json:"role"`
	CounterpartyName string             `json:"counterparty_name"`
	ExpenseAmount    decimal.Decimal    `json:"expense_amount"`
	Paid             decimal.Decimal    `json:"paid"`
	Outstanding      decimal.Decimal    `json:"outstanding"`
	Settled          bool               `json:"settled"`
	Workspace        string             `json:"workspace,omitempty"`
	PaymentRecords   []PaymentRecordDTO `json:"payment_records"`
	CreatedAt        string             `json:"created_at,omitempty"`
}

// PaymentRecordDTO is one payment against an order.
type PaymentRecordDTO struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date"`
	Note          string          `json:"note,omitempty"`
	LedgerEntryID string          `json:"ledger_entry_id,omitempty"`
}

// CreateOrderRequest creates an order.
type CreateOrderRequest struct {
	ID               string          `json:"id,omitempty"`
	Date             string          `json:"date"`
	Role             string          `json:"role"`
	CounterpartyName string          `json:"counterparty_name"`
	ExpenseAmount    decimal.Decimal `json:"expense_amount"`
	Workspace        string          `json:"workspace,omitempty"`
}

// ManualPaymentRequest appends an untagged payment record.
type ManualPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Date   string          `json:"date"`
	Note   string          `json:"note,omitempty"`
}

// SettleRequest sets or clears the manual settlement marker.
type SettleRequest struct {
	Settled bool `json:"settled"`
}

// =============================================================================
// ALLOCATION AND RECONCILIATION
// =============================================================================

// AllocationDTO is one order's share of a distribution.
type AllocationDTO struct {
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// OutcomeDTO reports what an orchestration did.
type OutcomeDTO struct {
	LedgerEntryID string             `json:"ledger_entry_id"`
	Counterparty  string             `json:"counterparty,omitempty"`
	Role          string             `json:"role,omitempty"`
	State         string             `json:"state"`
	Allocations   []AllocationDTO    `json:"allocations"`
	Unallocated   decimal.Decimal    `json:"unallocated"`
	Reversed      int                `json:"reversed_orders"`
	Reconcile     ReconcileReportDTO `json:"reconcile"`
	Error         string             `json:"error,omitempty"`
}

// ReconcileReportDTO summarizes one reconcile pass.
type ReconcileReportDTO struct {
	Counterparty  string          `json:"counterparty"`
	Role          string          `json:"role"`
	Scanned       int             `json:"scanned"`
	Patched       int             `json:"patched"`
	Removed       int             `json:"removed"`
	RemovedAmount decimal.Decimal `json:"removed_amount"`
}

// ReconcileAllResponse is returned by the sweep endpoint.
type ReconcileAllResponse struct {
	Reports []ReconcileReportDTO `json:"reports"`
	Error   string               `json:"error,omitempty"`
}

// ReconciliationRunDTO is one entry of the reconciliation log.
type ReconciliationRunDTO struct {
	ID            string          `json:"id"`
	Counterparty  string          `json:"counterparty"`
	Role          string          `json:"role"`
	Trigger       string          `json:"trigger"`
	Scanned       int             `json:"scanned"`
	Patched       int             `json:"patched"`
	Removed       int             `json:"removed"`
	RemovedAmount decimal.Decimal `json:"removed_amount"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	StartedAt     string          `json:"started_at"`
	CompletedAt   string          `json:"completed_at"`
}

// OutstandingDTO is the read-only resolver view of a counterparty, with an
// optional dry-run distribution of Preview.
type OutstandingDTO struct {
	Counterparty string                `json:"counterparty"`
	Role         string                `json:"role"`
	Total        decimal.Decimal       `json:"total_outstanding"`
	Orders       []OutstandingOrderDTO `json:"orders"`
	Preview      *PreviewDTO           `json:"preview,omitempty"`
}

// OutstandingOrderDTO is one queued order.
type OutstandingOrderDTO struct {
	OrderID     string          `json:"order_id"`
	Date        string          `json:"date"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// PreviewDTO is what Allocate would do with Amount. Nothing is written.
type PreviewDTO struct {
	Amount      decimal.Decimal `json:"amount"`
	Allocations []AllocationDTO `json:"allocations"`
	Remainder   decimal.Decimal `json:"remainder"`
}

// CounterpartyDTO names a counterparty.
type CounterpartyDTO struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:               e.ID,
		Direction:        string(e.Direction),
		Amount:           e.Amount,
		Date:             e.Date.Format(dateLayout),
		CounterpartyKind: string(e.CounterpartyKind),
		CounterpartyName: e.CounterpartyName,
		Note:             e.Note,
		Workspace:        e.Workspace,
		CreatedAt:        formatTimestamp(e.CreatedAt),
		UpdatedAt:        formatTimestamp(e.UpdatedAt),
	}
}

func toOrderDTO(o engine.Order) OrderDTO {
	records := make([]PaymentRecordDTO, len(o.PaymentRecords))
	for i, p := range o.PaymentRecords {
		records[i] = PaymentRecordDTO{
			ID:            p.ID,
			Amount:        p.Amount,
			Date:          p.Date.Format(dateLayout),
			Note:          p.Note,
			LedgerEntryID: p.LedgerEntryID,
		}
	}
	return OrderDTO{
		ID:               o.ID,
		Date:             o.Date.Format(dateLayout),
		Role:             string(o.Role),
		CounterpartyName: o.CounterpartyName,
		ExpenseAmount:    o.ExpenseAmount,
		Paid:             o.Paid(),
		Outstanding:      o.Outstanding(),
		Settled:          o.Settled,
		Workspace:        o.Workspace,
		PaymentRecords:   records,
		CreatedAt:        formatTimestamp(o.CreatedAt),
	}
}

func toAllocationDTOs(allocs []engine.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = AllocationDTO{
			OrderID:       a.OrderID,
			Amount:        a.Amount,
			BalanceBefore: a.BalanceBefore,
			BalanceAfter:  a.BalanceAfter,
		}
	}
	return dtos
}

func toOutcomeDTO(o engine.Outcome) *OutcomeDTO {
	dto := &OutcomeDTO{
		LedgerEntryID: o.LedgerEntryID,
		Counterparty:  o.Counterparty.Name,
		Role:          string(o.Counterparty.Role),
		State:         string(o.State),
		Allocations:   toAllocationDTOs(o.Allocations),
		Unallocated:   o.Unallocated,
		Reversed:      o.Reversed,
		Reconcile:     toReconcileReportDTO(o.Reconcile),
	}
	if o.Err != nil {
		dto.Error = o.Err.Error()
	}
	return dto
}

func toReconcileReportDTO(r engine.ReconcileReport) ReconcileReportDTO {
	return ReconcileReportDTO{
		Counterparty:  r.Counterparty.Name,
		Role:          string(r.Counterparty.Role),
		Scanned:       r.Scanned,
		Patched:       r.Patched,
		Removed:       r.Removed,
		RemovedAmount: r.RemovedAmount,
	}
}

func toReconciliationRunDTO(r engine.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:            r.ID,
		Counterparty:  r.Counterparty.Name,
		Role:          string(r.Counterparty.Role),
		Trigger:       r.Trigger,
		Scanned:       r.Scanned,
		Patched:       r.Patched,
		Removed:       r.Removed,
		RemovedAmount: r.RemovedAmount,
		Status:        r.Status,
		Error:         r.Error,
		StartedAt:     formatTimestamp(r.StartedAt),
		CompletedAt:   formatTimestamp(r.CompletedAt),
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
