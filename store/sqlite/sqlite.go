/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.Registry using SQLite. This is the
  default runtime store; store/mysql carries the same contract onto MySQL
  with row-level locks.

INTERFACES IMPLEMENTED:
  ledger.Store:    Unit of work (WithTx) plus read models
  ledger.Registry: Clients, sales, products, promissory notes, payments

KEY TABLES:
  clients, sales, products:         Aggregates adjusted by note application
  promissory_notes:                 Installments, read by the query service
  credit_notes, credit_note_items:  Credit notes and returned lines
  debit_notes:                      Debit notes
  inventory_movements:              Append-only restock audit
  ledger_history:                   Append-only balance audit
  payments, payment_allocations:    Written by payment processing

DECIMALS AND TIME:
  Currency is stored as TEXT and parsed with shopspring/decimal, so no value
  ever passes through a float. Timestamps are fixed-width UTC strings
  (timeLayout), which keeps lexical order equal to chronological order.

CONCURRENCY:
  Uses sync.RWMutex for in-process serialization and opens transactions
  with _txlock=immediate, so the write lock is taken at BEGIN. SQLITE_BUSY
  and SQLITE_LOCKED from another process surface as ledger.ErrConflict,
  which the engine retries.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/mysql: MySQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

// timeLayout is fixed width so that TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store and ledger.Registry using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ledger.Unavailable("Ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		owner_id TEXT NOT NULL DEFAULT '',
		folio TEXT NOT NULL,
		total TEXT NOT NULL,
		pending_balance TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_client ON sales(client_id);
	CREATE INDEX IF NOT EXISTS idx_sales_owner ON sales(owner_id);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS promissory_notes (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		number INTEGER NOT NULL,
		principal TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		due_date TEXT NOT NULL,
		moratory_rate TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL
	);

	-- Listing hot path: filter by status/sale, order by due date
	CREATE INDEX IF NOT EXISTS idx_promissory_due ON promissory_notes(due_date, id);
	CREATE INDEX IF NOT EXISTS idx_promissory_sale ON promissory_notes(sale_id);
	CREATE INDEX IF NOT EXISTS idx_promissory_status ON promissory_notes(status);

	CREATE TABLE IF NOT EXISTS credit_notes (
		id TEXT PRIMARY KEY,
		folio TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL REFERENCES clients(id),
		sale_id TEXT REFERENCES sales(id),
		amount TEXT NOT NULL,
		concept TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		applies_to_inventory BOOLEAN NOT NULL DEFAULT FALSE,
		applied BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at TEXT,
		applied_by TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_note_items (
		id TEXT PRIMARY KEY,
		note_id TEXT NOT NULL REFERENCES credit_notes(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_note_items_note ON credit_note_items(note_id);

	CREATE TABLE IF NOT EXISTS debit_notes (
		id TEXT PRIMARY KEY,
		folio TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL REFERENCES clients(id),
		sale_id TEXT REFERENCES sales(id),
		amount TEXT NOT NULL,
		concept TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		applied BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at TEXT,
		applied_by TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Audit tables are append-only: no UPDATE or DELETE statements target them
	CREATE TABLE IF NOT EXISTS inventory_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		quantity_before INTEGER NOT NULL,
		quantity_after INTEGER NOT NULL,
		reason TEXT NOT NULL,
		note_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inventory_movements_product ON inventory_movements(product_id, seq);

	CREATE TABLE IF NOT EXISTS ledger_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		event TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		observations TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_history_client ON ledger_history(client_id, seq);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		promissory_note_id TEXT NOT NULL REFERENCES promissory_notes(id),
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		PRIMARY KEY (payment_id, promissory_note_id)
	);

	CREATE INDEX IF NOT EXISTS idx_payment_allocations_note ON payment_allocations(promissory_note_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK (ledger.Store)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("WithTx", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("WithTx", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"payment_allocations", "payments",
		"inventory_movements", "ledger_history",
		"credit_note_items", "credit_notes", "debit_notes",
		"promissory_notes", "sales", "products", "clients",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return classify("Reset", err)
		}
	}
	return nil
}

// classify maps driver errors onto ledger error kinds. Errors that are
// already classified pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ledger.Conflict(op, err)
		case sqlite3.ErrConstraint:
			switch sqliteErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
				return ledger.Invalid(op, "a record with the same identifier already exists")
			case sqlite3.ErrConstraintForeignKey:
				return ledger.Invalid(op, "a referenced record does not exist")
			}
		}
	}
	return ledger.Unavailable(op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseDecimal(s string) decimal.Decimal {
	return ledger.MustParseDecimal(s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullSale(id *ledger.SaleID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
