/*
Package sqlite opens the SQLite-backed Record Store Adapter.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/allocator.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  orch := engine.NewOrchestrator(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/sqlstore: Shared query layer
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/payment-allocator/store/sqlstore"
)

// New opens (or creates) the database at dbPath. ":memory:" gives a private
// in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: in-memory databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(db, sqlstore.SQLite, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	amount TEXT NOT NULL,
	date TEXT NOT NULL,
	counterparty_kind TEXT NOT NULL DEFAULT '',
	counterparty_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_counterparty
ON ledger_entries(counterparty_name, role);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	date TEXT NOT NULL,
	role TEXT NOT NULL,
	counterparty_name TEXT NOT NULL DEFAULT '',
	expense_amount TEXT NOT NULL,
	settled BOOLEAN NOT NULL DEFAULT 0,
	workspace TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_counterparty
ON orders(counterparty_name, role);

CREATE TABLE IF NOT EXISTS payment_records (
	id TEXT NOT NULL,
	order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	amount TEXT NOT NULL,
	date TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	ledger_entry_id TEXT,
	PRIMARY KEY (order_id, position)
);

CREATE INDEX IF NOT EXISTS idx_payment_records_ledger_entry
ON payment_records(ledger_entry_id);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id TEXT PRIMARY KEY,
	counterparty_name TEXT NOT NULL,
	role TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	scanned INTEGER NOT NULL,
	patched INTEGER NOT NULL,
	removed INTEGER NOT NULL,
	removed_amount TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
ON reconciliation_runs(started_at);
`
