/*
Package sqlite provides the SQLite-backed implementation of every storage
interface in the engine.

PURPOSE:

	One Store type implements ledger.TxStore, period.Store,
	compliance.Store, outbox.Store, saga.Store, diagnostics.Store, and the
	domain repositories the saga catalog needs. In production the same
	patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:

	journal_entries and journal_postings have no UPDATE or DELETE paths
	except the reversal cross-link (reversed_by_entry_id). Corrections are
	new entries.

ATOMICITY (I7):

	WithTx hands callers a Store bound to one *sql.Tx. Entry insert,
	balance upserts, and outbox emission all run on that transaction, so an
	event is durable iff the ledger write is durable.

CLAIM CONTRACT:

	SQLite has no SELECT ... FOR UPDATE SKIP LOCKED. ClaimEvents runs a
	single SELECT-then-UPDATE inside one transaction under the store
	mutex, which yields the same guarantee: no two workers observe the
	same row processing.

DECIMALS:

	Stored as TEXT to preserve exact scale; parsed with shopspring/decimal.

WAL MODE:

	The database opens with WAL for concurrent readers and crash recovery.

SEE ALSO:
  - ledgerstore.go: accounts, entries, balances
  - outboxstore.go, sagastore.go, rulestore.go, domainstore.go
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// queryer abstracts *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces over SQLite.
type Store struct {
	db *sql.DB
	q  queryer
	mu *sync.Mutex

	inTx bool
}

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and
	// serializes writers the way SQLite wants.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db, mu: &sync.Mutex{}}
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

// lock serializes writers when not already inside a transaction.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// beginTx starts a transaction and returns a Store bound to it.
func (s *Store) beginTx(ctx context.Context) (*Store, *sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Store{db: s.db, q: tx, mu: s.mu, inTx: true}, tx, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Chart of accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		normal_balance TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(org_id, code)
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_org_subtype
		ON accounts(org_id, subtype);

	-- Journal entries (append-only; reversed_by is the only mutation)
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		is_reversal INTEGER NOT NULL DEFAULT 0,
		reverses_entry_id TEXT NOT NULL DEFAULT '',
		reversed_by_entry_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		trace_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON journal_entries(org_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
	CREATE INDEX IF NOT EXISTS idx_entries_org_effective
		ON journal_entries(org_id, effective_date);
	CREATE INDEX IF NOT EXISTS idx_entries_source
		ON journal_entries(org_id, source_type, source_id);

	-- Journal postings (append-only)
	CREATE TABLE IF NOT EXISTS journal_postings (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		property_id TEXT NOT NULL DEFAULT '',
		unit_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		vendor_id TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		line_description TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_postings_entry
		ON journal_postings(entry_id);
	CREATE INDEX IF NOT EXISTS idx_postings_org_account
		ON journal_postings(org_id, account_id);
	CREATE INDEX IF NOT EXISTS idx_postings_owner
		ON journal_postings(org_id, owner_id) WHERE owner_id != '';

	-- Materialized balances (maintained in the posting transaction)
	CREATE TABLE IF NOT EXISTS account_balances (
		org_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		balance TEXT NOT NULL,
		last_entry_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS dimensional_balances (
		org_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		property_id TEXT NOT NULL DEFAULT '',
		unit_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT '',
		vendor_id TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, account_id, property_id, unit_id, tenant_id, vendor_id, owner_id)
	);

	-- Accounting periods (contiguous months; closed is terminal)
	CREATE TABLE IF NOT EXISTS accounting_periods (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		closed INTEGER NOT NULL DEFAULT 0,
		closed_at TEXT,
		closed_by TEXT NOT NULL DEFAULT '',
		UNIQUE(org_id, start_date)
	);

	-- Outbox
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL DEFAULT '',
		aggregate_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		saga_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		scheduled_for TEXT NOT NULL,
		locked_until TEXT,
		locked_by TEXT NOT NULL DEFAULT '',
		processed_at TEXT,
		reprocessed_as TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_claim
		ON outbox_events(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_outbox_aggregate
		ON outbox_events(aggregate_type, aggregate_id);

	CREATE TABLE IF NOT EXISTS outbox_dead_letters (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		dead_at TEXT NOT NULL
	);

	-- Sagas
	CREATE TABLE IF NOT EXISTS sagas (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		saga_name TEXT NOT NULL,
		saga_version INTEGER NOT NULL DEFAULT 1,
		current_step TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		steps_completed TEXT NOT NULL DEFAULT '[]',
		compensation_steps TEXT NOT NULL DEFAULT '[]',
		payload TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		error_step TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL DEFAULT '',
		initiated_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		last_heartbeat TEXT NOT NULL,
		timeout_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sagas_status
		ON sagas(status, timeout_at);

	CREATE TABLE IF NOT EXISTS saga_step_logs (
		id TEXT PRIMARY KEY,
		saga_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		step_type TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_step_logs_saga
		ON saga_step_logs(saga_id, started_at);

	-- Compliance rules (temporal versions)
	CREATE TABLE IF NOT EXISTS compliance_rules (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		state_code TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		rule_value TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		end_date TEXT,
		source_citation TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_lookup
		ON compliance_rules(org_id, state_code, rule_type, rule_key, effective_date);

	-- Owners and distribution records
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT 'check',
		bank_routing TEXT NOT NULL DEFAULT '',
		bank_account TEXT NOT NULL DEFAULT '',
		minimum_reserve TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_owners_org ON owners(org_id);

	CREATE TABLE IF NOT EXISTS distributions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		saga_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		entry_id TEXT NOT NULL DEFAULT '',
		nacha_file_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_distributions_saga
		ON distributions(saga_id);

	CREATE TABLE IF NOT EXISTS nacha_files (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'generated',
		total_cents INTEGER NOT NULL DEFAULT 0,
		entry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Security deposits
	CREATE TABLE IF NOT EXISTS security_deposits (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		property_id TEXT NOT NULL DEFAULT '',
		unit_id TEXT NOT NULL DEFAULT '',
		state_code TEXT NOT NULL,
		amount TEXT NOT NULL,
		collected_at TEXT NOT NULL,
		move_out TEXT,
		status TEXT NOT NULL DEFAULT 'held',
		entry_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_tenant
		ON security_deposits(org_id, tenant_id);

	-- Check number sequence per org
	CREATE TABLE IF NOT EXISTS check_sequences (
		org_id TEXT PRIMARY KEY,
		next_number INTEGER NOT NULL
	);

	-- 1099 recipients and payments
	CREATE TABLE IF NOT EXISTS tax_recipients (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		tin TEXT NOT NULL DEFAULT '',
		w9_on_file INTEGER NOT NULL DEFAULT 0,
		address1 TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		zip TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tax_recipients_org ON tax_recipients(org_id);

	CREATE TABLE IF NOT EXISTS tax_payments (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tax_payments_recipient
		ON tax_payments(org_id, recipient_id, paid_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

const dateFmt = "2006-01-02"

// timeFmt keeps a fixed-width fractional second so that lexicographic
// comparison of stored timestamps matches chronological order.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeFmt) }

func fmtDate(t time.Time) string { return t.UTC().Format(dateFmt) }

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	t, _ := time.Parse(dateFmt, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
