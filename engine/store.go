/*
store.go - Record Store Adapter contract

PURPOSE:
  Defines the boundary between the engine and persistence. The store is a
  generic key-indexed document store: per-document reads and writes plus
  collection scans with equality filters. No multi-document transaction is
  assumed; TxStore is an optional capability.

KEY INTERFACES:
  Store:      What the engine needs (scan orders, list entries, patch payments)
  TxStore:    Optional multi-document transactions
  Repository: Store plus the CRUD the surrounding application performs
  RunRecorder: Optional log of reconciliation passes

PATCH SEMANTICS:
  PatchOrderPayments fully replaces an order's payment records. It is the
  only order write the engine performs. Each call is an independent document
  update unless it runs inside WithTx.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and dev
  - store/sqlstore:         SQLite and PostgreSQL

SEE ALSO:
  - reversal.go, reconciler.go, writer.go: The only callers of PatchOrderPayments
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - What the engine reads and writes
// =============================================================================

// OrderFilter narrows an order scan. Zero fields match everything.
type OrderFilter struct {
	CounterpartyName string
	Role             Role
}

// Matches reports whether the order passes the filter.
func (f OrderFilter) Matches(o Order) bool {
	if f.CounterpartyName != "" && o.CounterpartyName != f.CounterpartyName {
		return false
	}
	if f.Role != "" && o.Role != f.Role {
		return false
	}
	return true
}

// Store is the Record Store Adapter the engine depends on.
type Store interface {
	// GetOrders scans orders for a counterparty and role.
	GetOrders(ctx context.Context, counterparty string, role Role) ([]Order, error)

	// ScanOrders scans orders matching the filter. An empty filter scans all.
	ScanOrders(ctx context.Context, filter OrderFilter) ([]Order, error)

	// GetLedgerEntries lists entries for a counterparty whose direction
	// targets the role.
	GetLedgerEntries(ctx context.Context, counterparty string, role Role) ([]LedgerEntry, error)

	// GetLedgerEntry returns ErrNotFound if the entry does not exist.
	GetLedgerEntry(ctx context.Context, id string) (*LedgerEntry, error)

	// PatchOrderPayments replaces the order's payment records.
	// Returns ErrNotFound if the order does not exist.
	PatchOrderPayments(ctx context.Context, orderID string, records []PaymentRecord) error
}

// TxStore wraps Store with transaction support.
// If fn returns an error, every write made through the passed Store is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REPOSITORY - CRUD owned by the surrounding application
// =============================================================================

// Repository is the full persistence surface used by the API and CLI.
// The engine itself only needs Store.
type Repository interface {
	Store

	SaveLedgerEntry(ctx context.Context, entry LedgerEntry) error
	DeleteLedgerEntry(ctx context.Context, id string) error
	ListLedgerEntries(ctx context.Context) ([]LedgerEntry, error)

	SaveOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// ListCounterparties returns every (name, role) that has orders or
	// ledger entries, sorted by role then name.
	ListCounterparties(ctx context.Context) ([]Counterparty, error)
}

// =============================================================================
// RECONCILIATION RUN LOG
// =============================================================================

// ReconciliationRun records one reconcile pass.
type ReconciliationRun struct {
	ID            string
	Counterparty  Counterparty
	Trigger       string // "create", "update", "delete", "manual", "scheduled"
	Scanned       int
	Patched       int
	Removed       int
	RemovedAmount decimal.Decimal
	Status        string // "clean", "repaired", "failed"
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// RunRecorder is implemented by stores that keep a reconciliation log.
type RunRecorder interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
