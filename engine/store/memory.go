// Package store provides in-memory Record Store Adapters.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/payment-allocator/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a non-transactional document store. Every PatchOrderPayments is
// an independent write, which is the worst case the engine must survive.
type Memory struct {
	mu      sync.RWMutex
	orders  map[string]engine.Order
	entries map[string]engine.LedgerEntry
	runs    []engine.ReconciliationRun

	// Fault injection for tests. Consulted on every call when set.
	FailPatch func(orderID string) error
	FailScan  func() error
}

func NewMemory() *Memory {
	return &Memory{
		orders:  make(map[string]engine.Order),
		entries: make(map[string]engine.LedgerEntry),
	}
}

// GetOrders scans orders for a counterparty and role.
func (m *Memory) GetOrders(ctx context.Context, counterparty string, role engine.Role) ([]engine.Order, error) {
	return m.ScanOrders(ctx, engine.OrderFilter{CounterpartyName: counterparty, Role: role})
}

func (m *Memory) ScanOrders(_ context.Context, filter engine.OrderFilter) ([]engine.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanOrdersLocked(filter)
}

func (m *Memory) scanOrdersLocked(filter engine.OrderFilter) ([]engine.Order, error) {
	if m.FailScan != nil {
		if err := m.FailScan(); err != nil {
			return nil, err
		}
	}
	var result []engine.Order
	for _, o := range m.orders {
		if filter.Matches(o) {
			result = append(result, cloneOrder(o))
		}
	}
	engine.SortOrders(result)
	return result, nil
}

func (m *Memory) GetLedgerEntries(_ context.Context, counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledgerEntriesLocked(counterparty, role)
}

func (m *Memory) ledgerEntriesLocked(counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	if m.FailScan != nil {
		if err := m.FailScan(); err != nil {
			return nil, err
		}
	}
	var result []engine.LedgerEntry
	for _, e := range m.entries {
		if e.HasCounterparty() && e.CounterpartyName == counterparty && e.Role() == role {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func (m *Memory) GetLedgerEntry(_ context.Context, id string) (*engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledgerEntryLocked(id)
}

func (m *Memory) ledgerEntryLocked(id string) (*engine.LedgerEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return &e, nil
}

// PatchOrderPayments replaces an order's payment records.
func (m *Memory) PatchOrderPayments(_ context.Context, orderID string, records []engine.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchLocked(orderID, records)
}

func (m *Memory) patchLocked(orderID string, records []engine.PaymentRecord) error {
	if m.FailPatch != nil {
		if err := m.FailPatch(orderID); err != nil {
			return err
		}
	}
	o, ok := m.orders[orderID]
	if !ok {
		return engine.ErrNotFound
	}
	o.PaymentRecords = append([]engine.PaymentRecord{}, records...)
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

// =============================================================================
// REPOSITORY - CRUD used by the API and tests
// =============================================================================

func (m *Memory) SaveLedgerEntry(_ context.Context, entry engine.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := m.entries[entry.ID]; ok && entry.CreatedAt.IsZero() {
		entry.CreatedAt = prev.CreatedAt
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	m.entries[entry.ID] = entry
	return nil
}

func (m *Memory) DeleteLedgerEntry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return engine.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) ListLedgerEntries(_ context.Context) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e)
	}
	sortEntries(result)
	return result, nil
}

// SaveOrder inserts or replaces an order, payment records included.
func (m *Memory) SaveOrder(_ context.Context, order engine.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		if prev, ok := m.orders[order.ID]; ok {
			order.CreatedAt = prev.CreatedAt
		} else {
			order.CreatedAt = now
		}
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*engine.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (m *Memory) ListCounterparties(_ context.Context) ([]engine.Counterparty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[engine.Counterparty]struct{})
	for _, o := range m.orders {
		if o.CounterpartyName != "" {
			seen[engine.Counterparty{Name: o.CounterpartyName, Role: o.Role}] = struct{}{}
		}
	}
	for _, e := range m.entries {
		if e.HasCounterparty() {
			seen[e.Counterparty()] = struct{}{}
		}
	}
	result := make([]engine.Counterparty, 0, len(seen))
	for cp := range seen {
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Role != result[j].Role {
			return result[i].Role < result[j].Role
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// =============================================================================
// RECONCILIATION RUN LOG
// =============================================================================

func (m *Memory) SaveReconciliationRun(_ context.Context, run engine.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListReconciliationRuns returns the newest runs first.
func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]engine.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.ReconciliationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	orders  map[string]engine.Order
	entries map[string]engine.LedgerEntry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	orders := make(map[string]engine.Order, len(tm.orders))
	for k, v := range tm.orders {
		orders[k] = cloneOrder(v)
	}
	entries := make(map[string]engine.LedgerEntry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = v
	}
	return memorySnapshot{orders: orders, entries: entries}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.orders = s.orders
	tm.entries = s.entries
}

// txMemoryView runs against the parent's maps while WithTx holds the lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetOrders(_ context.Context, counterparty string, role engine.Role) ([]engine.Order, error) {
	return tv.parent.scanOrdersLocked(engine.OrderFilter{CounterpartyName: counterparty, Role: role})
}

func (tv *txMemoryView) ScanOrders(_ context.Context, filter engine.OrderFilter) ([]engine.Order, error) {
	return tv.parent.scanOrdersLocked(filter)
}

func (tv *txMemoryView) GetLedgerEntries(_ context.Context, counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	return tv.parent.ledgerEntriesLocked(counterparty, role)
}

func (tv *txMemoryView) GetLedgerEntry(_ context.Context, id string) (*engine.LedgerEntry, error) {
	return tv.parent.ledgerEntryLocked(id)
}

func (tv *txMemoryView) PatchOrderPayments(_ context.Context, orderID string, records []engine.PaymentRecord) error {
	return tv.parent.patchLocked(orderID, records)
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneOrder(o engine.Order) engine.Order {
	o.PaymentRecords = append([]engine.PaymentRecord(nil), o.PaymentRecords...)
	return o
}

func sortEntries(entries []engine.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

var (
	_ engine.Repository  = (*Memory)(nil)
	_ engine.RunRecorder = (*Memory)(nil)
	_ engine.TxStore     = (*TxMemory)(nil)
)
