/*
Package sqlstore implements the Record Store Adapter on database/sql.

PURPOSE:
  One implementation of engine.Repository, engine.TxStore and
  engine.RunRecorder shared by the SQLite and PostgreSQL constructors.
  Only placeholders and DDL differ between the two.

KEY TABLES:
  ledger_entries:      Cash movements; role holds the resolved order role
  orders:              Debts; settled is the manual full-settlement marker
  payment_records:     Child rows of orders, replaced wholesale on patch
  reconciliation_runs: One row per reconcile pass

DOCUMENT SEMANTICS:
  An order and its payment_records behave as one document. Every
  PatchOrderPayments runs in its own database transaction (delete + insert)
  unless it is already inside WithTx, in which case the caller's
  transaction covers the whole allocation sequence.

INDEXES:
  - idx_payment_records_ledger_entry: Reversal scans by tag
  - idx_orders_counterparty:          Resolver and Reconciler scans
  - idx_ledger_entries_counterparty:  Valid-id listing

SEE ALSO:
  - store/sqlite, store/postgres: Constructors
  - engine/store.go:              Interface definitions
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-allocator/engine"
)

// Dialect selects placeholder style.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Store implements the engine storage interfaces on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// SQLite allows one writer; the mutex keeps writers from tripping
	// SQLITE_BUSY. PostgreSQL relies on row locks instead.
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New wraps an open database and applies schema.
func New(db *sql.DB, dialect Dialect, schema string) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) lock() func() {
	if s.dialect != SQLite {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if s.dialect != SQLite {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// rebind rewrites ? placeholders as $1, $2 ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// ENGINE STORE (engine.Store interface)
// =============================================================================

func (s *Store) GetOrders(ctx context.Context, counterparty string, role engine.Role) ([]engine.Order, error) {
	return s.ScanOrders(ctx, engine.OrderFilter{CounterpartyName: counterparty, Role: role})
}

func (s *Store) ScanOrders(ctx context.Context, filter engine.OrderFilter) ([]engine.Order, error) {
	defer s.rlock()()
	return s.scanOrders(ctx, s.db, filter)
}

func (s *Store) scanOrders(ctx context.Context, q querier, filter engine.OrderFilter) ([]engine.Order, error) {
	where, args := orderWhere(filter, "o.")

	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT o.id, o.date, o.role, o.counterparty_name, o.expense_amount, o.settled,
		       o.workspace, o.created_at, o.updated_at
		FROM orders o`+where), args...)
	if err != nil {
		return nil, &engine.StoreError{Op: "scan orders", Err: err}
	}
	defer rows.Close()

	var orders []engine.Order
	index := map[string]int{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "scan orders", Err: err}
	}
	if len(orders) == 0 {
		return nil, nil
	}

	recs, err := q.QueryContext(ctx, s.rebind(`
		SELECT r.order_id, r.id, r.amount, r.date, r.note, r.ledger_entry_id
		FROM payment_records r
		JOIN orders o ON o.id = r.order_id`+where+`
		ORDER BY r.order_id, r.position`), args...)
	if err != nil {
		return nil, &engine.StoreError{Op: "scan payment records", Err: err}
	}
	defer recs.Close()

	for recs.Next() {
		orderID, p, err := scanPaymentRecord(recs)
		if err != nil {
			return nil, err
		}
		if i, ok := index[orderID]; ok {
			orders[i].PaymentRecords = append(orders[i].PaymentRecords, p)
		}
	}
	if err := recs.Err(); err != nil {
		return nil, &engine.StoreError{Op: "scan payment records", Err: err}
	}

	engine.SortOrders(orders)
	return orders, nil
}

func orderWhere(filter engine.OrderFilter, prefix string) (string, []any) {
	var conds []string
	var args []any
	if filter.CounterpartyName != "" {
		conds = append(conds, prefix+"counterparty_name = ?")
		args = append(args, filter.CounterpartyName)
	}
	if filter.Role != "" {
		conds = append(conds, prefix+"role = ?")
		args = append(args, string(filter.Role))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) GetLedgerEntries(ctx context.Context, counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	defer s.rlock()()
	return s.ledgerEntries(ctx, s.db, counterparty, role)
}

func (s *Store) ledgerEntries(ctx context.Context, q querier, counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	return s.queryLedgerEntries(ctx, q, `
		SELECT id, direction, amount, date, counterparty_kind, counterparty_name, note,
		       workspace, created_at, updated_at
		FROM ledger_entries
		WHERE counterparty_name = ? AND role = ?
		ORDER BY date ASC, created_at ASC, id ASC`, counterparty, string(role))
}

func (s *Store) GetLedgerEntry(ctx context.Context, id string) (*engine.LedgerEntry, error) {
	defer s.rlock()()
	return s.ledgerEntry(ctx, s.db, id)
}

func (s *Store) ledgerEntry(ctx context.Context, q querier, id string) (*engine.LedgerEntry, error) {
	entries, err := s.queryLedgerEntries(ctx, q, `
		SELECT id, direction, amount, date, counterparty_kind, counterparty_name, note,
		       workspace, created_at, updated_at
		FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, engine.ErrNotFound
	}
	return &entries[0], nil
}

// PatchOrderPayments replaces the order's payment records in one database
// transaction.
func (s *Store) PatchOrderPayments(ctx context.Context, orderID string, records []engine.PaymentRecord) error {
	defer s.lock()()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.patchPayments(ctx, tx, orderID, records)
	})
}

func (s *Store) patchPayments(ctx context.Context, q querier, orderID string, records []engine.PaymentRecord) error {
	res, err := q.ExecContext(ctx, s.rebind(`UPDATE orders SET updated_at = ? WHERE id = ?`),
		formatTime(time.Now().UTC()), orderID)
	if err != nil {
		return &engine.StoreError{Op: "patch order", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.ErrNotFound
	}
	return s.replacePayments(ctx, q, orderID, records)
}

func (s *Store) replacePayments(ctx context.Context, q querier, orderID string, records []engine.PaymentRecord) error {
	if _, err := q.ExecContext(ctx, s.rebind(`DELETE FROM payment_records WHERE order_id = ?`), orderID); err != nil {
		return &engine.StoreError{Op: "clear payment records", Err: err}
	}
	for i, p := range records {
		_, err := q.ExecContext(ctx, s.rebind(`
			INSERT INTO payment_records (id, order_id, position, amount, date, note, ledger_entry_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.ID, orderID, i, p.Amount.String(), formatTime(p.Date), p.Note, nullString(p.LedgerEntryID),
		)
		if err != nil {
			return &engine.StoreError{Op: "insert payment record", Err: err}
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	defer s.lock()()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx, parent: s})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &engine.StoreError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &engine.StoreError{Op: "commit", Err: err}
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetOrders(ctx context.Context, counterparty string, role engine.Role) ([]engine.Order, error) {
	return ts.parent.scanOrders(ctx, ts.tx, engine.OrderFilter{CounterpartyName: counterparty, Role: role})
}

func (ts *txStore) ScanOrders(ctx context.Context, filter engine.OrderFilter) ([]engine.Order, error) {
	return ts.parent.scanOrders(ctx, ts.tx, filter)
}

func (ts *txStore) GetLedgerEntries(ctx context.Context, counterparty string, role engine.Role) ([]engine.LedgerEntry, error) {
	return ts.parent.ledgerEntries(ctx, ts.tx, counterparty, role)
}

func (ts *txStore) GetLedgerEntry(ctx context.Context, id string) (*engine.LedgerEntry, error) {
	return ts.parent.ledgerEntry(ctx, ts.tx, id)
}

func (ts *txStore) PatchOrderPayments(ctx context.Context, orderID string, records []engine.PaymentRecord) error {
	return ts.parent.patchPayments(ctx, ts.tx, orderID, records)
}

// =============================================================================
// REPOSITORY (ledger and order CRUD)
// =============================================================================

// SaveLedgerEntry inserts or overwrites an entry. created_at is kept on update.
func (s *Store) SaveLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	defer s.lock()()

	now := time.Now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	role := ""
	if e.HasCounterparty() {
		role = string(e.Role())
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries
		(id, direction, amount, date, counterparty_kind, counterparty_name, role, note, workspace, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			direction = excluded.direction,
			amount = excluded.amount,
			date = excluded.date,
			counterparty_kind = excluded.counterparty_kind,
			counterparty_name = excluded.counterparty_name,
			role = excluded.role,
			note = excluded.note,
			workspace = excluded.workspace,
			updated_at = excluded.updated_at`),
		e.ID, string(e.Direction), e.Amount.String(), formatTime(e.Date), string(e.CounterpartyKind),
		e.CounterpartyName, role, e.Note, e.Workspace, formatTime(created), formatTime(now),
	)
	if err != nil {
		return &engine.StoreError{Op: "save ledger entry", Err: err}
	}
	return nil
}

func (s *Store) DeleteLedgerEntry(ctx context.Context, id string) error {
	defer s.lock()()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ledger_entries WHERE id = ?`), id)
	if err != nil {
		return &engine.StoreError{Op: "delete ledger entry", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *Store) ListLedgerEntries(ctx context.Context) ([]engine.LedgerEntry, error) {
	defer s.rlock()()
	return s.queryLedgerEntries(ctx, s.db, `
		SELECT id, direction, amount, date, counterparty_kind, counterparty_name, note,
		       workspace, created_at, updated_at
		FROM ledger_entries
		ORDER BY date ASC, created_at ASC, id ASC`)
}

// SaveOrder upserts the order row and replaces its payment records.
func (s *Store) SaveOrder(ctx context.Context, o engine.Order) error {
	defer s.lock()()

	now := time.Now().UTC()
	created := o.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO orders
			(id, date, role, counterparty_name, expense_amount, settled, workspace, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				date = excluded.date,
				role = excluded.role,
				counterparty_name = excluded.counterparty_name,
				expense_amount = excluded.expense_amount,
				settled = excluded.settled,
				workspace = excluded.workspace,
				updated_at = excluded.updated_at`),
			o.ID, formatTime(o.Date), string(o.Role), o.CounterpartyName, o.ExpenseAmount.String(),
			o.Settled, o.Workspace, formatTime(created), formatTime(updated),
		)
		if err != nil {
			return &engine.StoreError{Op: "save order", Err: err}
		}
		return s.replacePayments(ctx, tx, o.ID, o.PaymentRecords)
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	defer s.rlock()()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT o.id, o.date, o.role, o.counterparty_name, o.expense_amount, o.settled,
		       o.workspace, o.created_at, o.updated_at
		FROM orders o WHERE o.id = ?`), id)
	if err != nil {
		return nil, &engine.StoreError{Op: "get order", Err: err}
	}
	var order *engine.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		order = &o
	}
	rows.Close()
	if order == nil {
		return nil, engine.ErrNotFound
	}

	recs, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT order_id, id, amount, date, note, ledger_entry_id
		FROM payment_records WHERE order_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, &engine.StoreError{Op: "get payment records", Err: err}
	}
	defer recs.Close()
	for recs.Next() {
		_, p, err := scanPaymentRecord(recs)
		if err != nil {
			return nil, err
		}
		order.PaymentRecords = append(order.PaymentRecords, p)
	}
	return order, recs.Err()
}

func (s *Store) ListCounterparties(ctx context.Context) ([]engine.Counterparty, error) {
	defer s.rlock()()

	rows, err := s.db.QueryContext(ctx, `
		SELECT counterparty_name, role FROM orders WHERE counterparty_name <> ''
		UNION
		SELECT counterparty_name, role FROM ledger_entries WHERE counterparty_name <> ''`)
	if err != nil {
		return nil, &engine.StoreError{Op: "list counterparties", Err: err}
	}
	defer rows.Close()

	var result []engine.Counterparty
	for rows.Next() {
		var name, role string
		if err := rows.Scan(&name, &role); err != nil {
			return nil, &engine.StoreError{Op: "scan counterparty", Err: err}
		}
		result = append(result, engine.Counterparty{Name: name, Role: engine.Role(role)})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Role != result[j].Role {
			return result[i].Role < result[j].Role
		}
		return result[i].Name < result[j].Name
	})
	return result, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (engine.RunRecorder interface)
// =============================================================================

func (s *Store) SaveReconciliationRun(ctx context.Context, r engine.ReconciliationRun) error {
	defer s.lock()()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reconciliation_runs
		(id, counterparty_name, role, trigger_kind, scanned, patched, removed, removed_amount,
		 status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Counterparty.Name, string(r.Counterparty.Role), r.Trigger, r.Scanned, r.Patched,
		r.Removed, r.RemovedAmount.String(), r.Status, nullString(r.Error),
		formatTime(r.StartedAt), formatTime(r.CompletedAt),
	)
	if err != nil {
		return &engine.StoreError{Op: "save reconciliation run", Err: err}
	}
	return nil
}

// ListReconciliationRuns returns the newest runs first. limit <= 0 returns all.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]engine.ReconciliationRun, error) {
	defer s.rlock()()

	query := `
		SELECT id, counterparty_name, role, trigger_kind, scanned, patched, removed, removed_amount,
		       status, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, &engine.StoreError{Op: "list reconciliation runs", Err: err}
	}
	defer rows.Close()

	var runs []engine.ReconciliationRun
	for rows.Next() {
		var (
			r                      engine.ReconciliationRun
			role, removedAmount    string
			runErr                 sql.NullString
			startedAt, completedAt string
		)
		if err := rows.Scan(&r.ID, &r.Counterparty.Name, &role, &r.Trigger, &r.Scanned, &r.Patched,
			&r.Removed, &removedAmount, &r.Status, &runErr, &startedAt, &completedAt); err != nil {
			return nil, &engine.StoreError{Op: "scan reconciliation run", Err: err}
		}
		r.Counterparty.Role = engine.Role(role)
		r.RemovedAmount = parseDecimal(removedAmount)
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) queryLedgerEntries(ctx context.Context, q querier, query string, args ...any) ([]engine.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, &engine.StoreError{Op: "query ledger entries", Err: err}
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e                             engine.LedgerEntry
			direction, amount, date, kind string
			createdAt, updatedAt          string
		)
		if err := rows.Scan(&e.ID, &direction, &amount, &date, &kind, &e.CounterpartyName, &e.Note,
			&e.Workspace, &createdAt, &updatedAt); err != nil {
			return nil, &engine.StoreError{Op: "scan ledger entry", Err: err}
		}
		e.Direction = engine.Direction(direction)
		e.Amount = parseDecimal(amount)
		e.Date = parseTime(date)
		e.CounterpartyKind = engine.Role(kind)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "query ledger entries", Err: err}
	}
	return entries, nil
}

func scanOrder(rows *sql.Rows) (engine.Order, error) {
	var (
		o                    engine.Order
		date, role, expense  string
		createdAt, updatedAt string
	)
	if err := rows.Scan(&o.ID, &date, &role, &o.CounterpartyName, &expense, &o.Settled,
		&o.Workspace, &createdAt, &updatedAt); err != nil {
		return o, &engine.StoreError{Op: "scan order", Err: err}
	}
	o.Date = parseTime(date)
	o.Role = engine.Role(role)
	o.ExpenseAmount = parseDecimal(expense)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func scanPaymentRecord(rows *sql.Rows) (string, engine.PaymentRecord, error) {
	var (
		orderID, amount, date string
		p                     engine.PaymentRecord
		ledgerEntryID         sql.NullString
	)
	if err := rows.Scan(&orderID, &p.ID, &amount, &date, &p.Note, &ledgerEntryID); err != nil {
		return "", p, &engine.StoreError{Op: "scan payment record", Err: err}
	}
	p.Amount = parseDecimal(amount)
	p.Date = parseTime(date)
	p.LedgerEntryID = ledgerEntryID.String
	return orderID, p, nil
}

// timeLayout keeps nine fractional digits so stored timestamps sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ engine.Repository  = (*Store)(nil)
	_ engine.TxStore     = (*Store)(nil)
	_ engine.RunRecorder = (*Store)(nil)
)
