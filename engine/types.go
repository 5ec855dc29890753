/*
Package engine distributes recorded cash movements across outstanding orders.

PURPOSE:
  A ledger entry records money paid to a supplier (debit) or received from a
  party (credit). When the entry names a counterparty, its amount is fanned
  out over that counterparty's unpaid orders, oldest first, as payment records
  tagged with the entry's id. Every edit or delete of the entry undoes the
  previous fan-out before computing a new one.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry:   A cash movement, optionally tied to a counterparty
  - Order:         A debt owed to/by a counterparty, owns its PaymentRecords
  - PaymentRecord: A payment against an order; engine-owned when tagged
  - Role:          Which side of the order book an entry targets

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Weak references: PaymentRecord.LedgerEntryID is a back-reference only.
     The Order owns its records; the Reconciler stands in for the
     referential-integrity constraint the store cannot enforce.
  3. Determinism: Outstanding orders are walked in one explicit total order
     (see OrderKey) so repeated runs converge on the same distribution.

SEE ALSO:
  - store.go:        Record Store Adapter contract
  - allocator.go:    The pure distribution algorithm
  - orchestrator.go: Entry points invoked on ledger mutations
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIRECTION AND ROLE
// =============================================================================

// Direction is the sign of a ledger entry from the business's point of view.
type Direction string

const (
	Credit Direction = "credit" // money in, received from a party
	Debit  Direction = "debit"  // money out, paid to a supplier
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Role selects which orders a ledger entry is distributed over.
type Role string

const (
	RoleSupplier Role = "supplier" // debit target
	RoleParty    Role = "party"    // credit target
)

func (r Role) Valid() bool { return r == RoleSupplier || r == RoleParty }

// Role returns the order role a direction allocates against.
func (d Direction) Role() Role {
	if d == Debit {
		return RoleSupplier
	}
	return RoleParty
}

// Direction returns the ledger direction that allocates against the role.
func (r Role) Direction() Direction {
	if r == RoleSupplier {
		return Debit
	}
	return Credit
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is a recorded cash movement. Updates overwrite in place.
type LedgerEntry struct {
	ID               string
	Direction        Direction
	Amount           decimal.Decimal
	Date             time.Time
	CounterpartyKind Role // supplier for debits, party for credits
	CounterpartyName string
	Note             string

	// Workspace is an opaque tag owned by the surrounding application.
	Workspace string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCounterparty reports whether the entry participates in allocation.
// Entries without a counterparty only move the aggregate ledger balance.
func (e LedgerEntry) HasCounterparty() bool { return e.CounterpartyName != "" }

// Role is the order role this entry allocates against.
func (e LedgerEntry) Role() Role {
	if e.CounterpartyKind.Valid() {
		return e.CounterpartyKind
	}
	return e.Direction.Role()
}

// Counterparty returns the allocation target of the entry.
func (e LedgerEntry) Counterparty() Counterparty {
	return Counterparty{Name: e.CounterpartyName, Role: e.Role()}
}

// Validate checks the fields the engine depends on.
func (e LedgerEntry) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if !e.Direction.Valid() {
		return &ValidationError{Field: "direction", Message: "must be credit or debit"}
	}
	if !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if e.CounterpartyKind != "" && !e.CounterpartyKind.Valid() {
		return &ValidationError{Field: "counterparty_kind", Message: "must be supplier or party"}
	}
	if e.CounterpartyKind.Valid() && e.CounterpartyKind != e.Direction.Role() {
		return &ValidationError{Field: "counterparty_kind", Message: "debits pay suppliers, credits come from parties"}
	}
	return nil
}

// Counterparty identifies one side of the order book.
type Counterparty struct {
	Name string
	Role Role
}

func (c Counterparty) String() string { return string(c.Role) + ":" + c.Name }

// =============================================================================
// ORDER AND PAYMENT RECORDS
// =============================================================================

// Order is a debt with its payment history.
//
// ExpenseAmount is the allocatable total: what is owed to the supplier for
// supplier-role orders, or what the party owes for party-role orders.
type Order struct {
	ID               string
	Date             time.Time
	Role             Role
	CounterpartyName string
	ExpenseAmount    decimal.Decimal
	PaymentRecords   []PaymentRecord

	// Settled is a manual full-settlement marker, independent of arithmetic.
	Settled bool

	Workspace string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Paid sums every payment record on the order.
func (o Order) Paid() decimal.Decimal {
	total := decimal.Zero
	for _, p := range o.PaymentRecords {
		total = total.Add(p.Amount)
	}
	return total
}

// Outstanding is ExpenseAmount minus payments, floored at zero.
func (o Order) Outstanding() decimal.Decimal {
	out := o.ExpenseAmount.Sub(o.Paid())
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// TaggedWith returns the records carrying the ledger entry id.
func (o Order) TaggedWith(ledgerEntryID string) []PaymentRecord {
	var tagged []PaymentRecord
	for _, p := range o.PaymentRecords {
		if p.LedgerEntryID == ledgerEntryID {
			tagged = append(tagged, p)
		}
	}
	return tagged
}

// PaymentRecord is a single payment against an order.
//
// A record with LedgerEntryID set is engine-owned and must only change via
// Reversal and re-allocation. Untagged records are manual and never touched.
type PaymentRecord struct {
	ID            string
	Amount        decimal.Decimal
	Date          time.Time
	Note          string
	LedgerEntryID string
}

// EngineOwned reports whether the record was written by an allocation.
func (p PaymentRecord) EngineOwned() bool { return p.LedgerEntryID != "" }

// =============================================================================
// OUTCOME - What an orchestration did
// =============================================================================

// State is the terminal state of an orchestration.
type State string

const (
	StateAllocated       State = "allocated"
	StateReversed        State = "reversed"
	StateReconciledClean State = "reconciled-clean"
	StateSkipped         State = "skipped" // no counterparty
	StateFailed          State = "failed"
)

// Outcome reports one orchestration. Err is informational: the ledger
// mutation that triggered it has already succeeded.
type Outcome struct {
	LedgerEntryID string
	Counterparty  Counterparty
	State         State
	Allocations   []Allocation
	Unallocated   decimal.Decimal
	Reversed      int
	Reconcile     ReconcileReport
	Err           error
}
