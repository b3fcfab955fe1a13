/*
ledgerstore.go - ledger.TxStore implementation

PURPOSE:

	Accounts, journal entries/postings, and the materialized balance rows.
	InsertEntry applies the balance deltas in the same statement batch as
	the posting inserts, so invariant I3 holds at every commit point.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx implements ledger.TxStore. The Store handed to fn is bound to
// one *sql.Tx and implements every store interface, so outbox emissions
// inside fn share the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	defer s.lock()()

	txStore, tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounts (id, org_id, code, name, account_type, normal_balance, subtype, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.Code, a.Name, a.Type, a.NormalBalance, a.Subtype, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, org ledger.OrgID, id ledger.AccountID) (*ledger.Account, error) {
	return s.getAccount(ctx, `SELECT id, org_id, code, name, account_type, normal_balance, subtype, created_at
		FROM accounts WHERE org_id = ? AND id = ?`, org, id)
}

func (s *Store) GetAccountByCode(ctx context.Context, org ledger.OrgID, code string) (*ledger.Account, error) {
	return s.getAccount(ctx, `SELECT id, org_id, code, name, account_type, normal_balance, subtype, created_at
		FROM accounts WHERE org_id = ? AND code = ?`, org, code)
}

func (s *Store) getAccount(ctx context.Context, query string, args ...any) (*ledger.Account, error) {
	var a ledger.Account
	var createdAt string
	err := s.q.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &a.OrgID, &a.Code, &a.Name, &a.Type, &a.NormalBalance, &a.Subtype, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context, org ledger.OrgID) ([]ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, org_id, code, name, account_type, normal_balance, subtype, created_at
		FROM accounts WHERE org_id = ? ORDER BY code`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var createdAt string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Code, &a.Name, &a.Type, &a.NormalBalance, &a.Subtype, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// ENTRIES AND POSTINGS
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO journal_entries
		(id, org_id, entry_date, effective_date, description, memo, source_type, source_id,
		 is_reversal, reverses_entry_id, reversed_by_entry_id, idempotency_key, trace_id, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, fmtDate(e.EntryDate), fmtDate(e.EffectiveDate), e.Description, e.Memo,
		e.SourceType, e.SourceID, boolInt(e.IsReversal), e.ReversesEntryID, e.ReversedByEntryID,
		e.IdempotencyKey, e.TraceID, fmtTime(e.CreatedAt), e.CreatedBy)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	for _, p := range e.Postings {
		if err := s.insertPosting(ctx, e, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertPosting(ctx context.Context, e ledger.JournalEntry, p ledger.Posting) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO journal_postings
		(id, entry_id, org_id, account_id, amount, property_id, unit_id, tenant_id, vendor_id, owner_id, line_description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EntryID, p.OrgID, p.AccountID, p.Amount.String(),
		p.Dimensions.PropertyID, p.Dimensions.UnitID, p.Dimensions.TenantID,
		p.Dimensions.VendorID, p.Dimensions.OwnerID, p.Description)
	if err != nil {
		return fmt.Errorf("failed to insert posting: %w", err)
	}

	now := fmtTime(e.CreatedAt)

	// Materialize the account balance in the same transaction. Decimal
	// arithmetic happens in Go; SQLite only stores the exact TEXT value.
	var existing sql.NullString
	err = s.q.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE org_id = ? AND account_id = ?`,
		p.OrgID, p.AccountID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read account balance: %w", err)
	}
	balance := p.Amount
	if existing.Valid {
		balance = parseDecimal(existing.String).Add(p.Amount)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO account_balances (org_id, account_id, balance, last_entry_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, account_id) DO UPDATE SET
			balance = excluded.balance,
			last_entry_id = excluded.last_entry_id,
			updated_at = excluded.updated_at`,
		p.OrgID, p.AccountID, balance.String(), e.ID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account balance: %w", err)
	}

	if !p.Dimensions.IsZero() {
		if err := s.upsertDimensionalBalance(ctx, p, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertDimensionalBalance(ctx context.Context, p ledger.Posting, now string) error {
	d := p.Dimensions
	var existing sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT balance FROM dimensional_balances
		WHERE org_id = ? AND account_id = ? AND property_id = ? AND unit_id = ?
		  AND tenant_id = ? AND vendor_id = ? AND owner_id = ?`,
		p.OrgID, p.AccountID, d.PropertyID, d.UnitID, d.TenantID, d.VendorID, d.OwnerID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read dimensional balance: %w", err)
	}

	balance := p.Amount
	if existing.Valid {
		balance = parseDecimal(existing.String).Add(p.Amount)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO dimensional_balances
		(org_id, account_id, property_id, unit_id, tenant_id, vendor_id, owner_id, balance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, account_id, property_id, unit_id, tenant_id, vendor_id, owner_id)
		DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		p.OrgID, p.AccountID, d.PropertyID, d.UnitID, d.TenantID, d.VendorID, d.OwnerID,
		balance.String(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert dimensional balance: %w", err)
	}
	return nil
}

const entryColumns = `id, org_id, entry_date, effective_date, description, memo, source_type, source_id,
	is_reversal, reverses_entry_id, reversed_by_entry_id, COALESCE(idempotency_key, ''), trace_id, created_at, created_by`

func (s *Store) GetEntry(ctx context.Context, org ledger.OrgID, id ledger.EntryID) (*ledger.JournalEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE org_id = ? AND id = ?`, org, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	if err := s.loadPostings(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, org ledger.OrgID, key string) (*ledger.JournalEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE org_id = ? AND idempotency_key = ?`, org, key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry by idempotency key: %w", err)
	}
	if err := s.loadPostings(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (*ledger.JournalEntry, error) {
	var e ledger.JournalEntry
	var entryDate, effectiveDate, createdAt string
	var isReversal int
	err := row.Scan(&e.ID, &e.OrgID, &entryDate, &effectiveDate, &e.Description, &e.Memo,
		&e.SourceType, &e.SourceID, &isReversal, &e.ReversesEntryID, &e.ReversedByEntryID,
		&e.IdempotencyKey, &e.TraceID, &createdAt, &e.CreatedBy)
	if err != nil {
		return nil, err
	}
	e.EntryDate = parseTime(entryDate)
	e.EffectiveDate = parseTime(effectiveDate)
	e.CreatedAt = parseTime(createdAt)
	e.IsReversal = isReversal == 1
	return &e, nil
}

func (s *Store) loadPostings(ctx context.Context, e *ledger.JournalEntry) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, entry_id, org_id, account_id, amount, property_id, unit_id, tenant_id, vendor_id, owner_id, line_description
		FROM journal_postings WHERE entry_id = ? ORDER BY id`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to load postings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return err
		}
		e.Postings = append(e.Postings, p)
	}
	return rows.Err()
}

func scanPosting(rows *sql.Rows) (ledger.Posting, error) {
	var p ledger.Posting
	var amount string
	err := rows.Scan(&p.ID, &p.EntryID, &p.OrgID, &p.AccountID, &amount,
		&p.Dimensions.PropertyID, &p.Dimensions.UnitID, &p.Dimensions.TenantID,
		&p.Dimensions.VendorID, &p.Dimensions.OwnerID, &p.Description)
	if err != nil {
		return p, fmt.Errorf("failed to scan posting: %w", err)
	}
	p.Amount = parseDecimal(amount)
	return p, nil
}

func (s *Store) MarkReversed(ctx context.Context, org ledger.OrgID, original, reversal ledger.EntryID) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE journal_entries SET reversed_by_entry_id = ?
		WHERE org_id = ? AND id = ? AND reversed_by_entry_id = ''`,
		reversal, org, original)
	if err != nil {
		return fmt.Errorf("failed to mark reversed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrAlreadyReversed
	}
	return nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, org ledger.OrgID, account ledger.AccountID) (*ledger.AccountBalance, error) {
	var b ledger.AccountBalance
	var balance, updatedAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT org_id, account_id, balance, last_entry_id, updated_at
		FROM account_balances WHERE org_id = ? AND account_id = ?`,
		org, account).Scan(&b.OrgID, &b.AccountID, &balance, &b.LastEntryID, &updatedAt)
	if err == sql.ErrNoRows {
		return &ledger.AccountBalance{OrgID: org, AccountID: account, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	b.Balance = parseDecimal(balance)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (s *Store) GetDimensionalBalance(ctx context.Context, org ledger.OrgID, account ledger.AccountID, dims ledger.Dimensions) (*ledger.DimensionalBalance, error) {
	var balance, updatedAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM dimensional_balances
		WHERE org_id = ? AND account_id = ? AND property_id = ? AND unit_id = ?
		  AND tenant_id = ? AND vendor_id = ? AND owner_id = ?`,
		org, account, dims.PropertyID, dims.UnitID, dims.TenantID, dims.VendorID, dims.OwnerID,
	).Scan(&balance, &updatedAt)
	if err == sql.ErrNoRows {
		return &ledger.DimensionalBalance{OrgID: org, AccountID: account, Dimensions: dims, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dimensional balance: %w", err)
	}
	return &ledger.DimensionalBalance{
		OrgID: org, AccountID: account, Dimensions: dims,
		Balance: parseDecimal(balance), UpdatedAt: parseTime(updatedAt),
	}, nil
}

// dimFilter builds the subset-match predicate: set dimensions must match,
// empty ones are wildcards.
func dimFilter(dims ledger.Dimensions) (string, []any) {
	clauses := ""
	var args []any
	add := func(col, val string) {
		if val != "" {
			clauses += " AND " + col + " = ?"
			args = append(args, val)
		}
	}
	add("property_id", dims.PropertyID)
	add("unit_id", dims.UnitID)
	add("tenant_id", dims.TenantID)
	add("vendor_id", dims.VendorID)
	add("owner_id", dims.OwnerID)
	return clauses, args
}

func (s *Store) SumDimensionalBalances(ctx context.Context, org ledger.OrgID, account ledger.AccountID, dims ledger.Dimensions) (decimal.Decimal, error) {
	clauses, extra := dimFilter(dims)
	args := append([]any{org, account}, extra...)
	rows, err := s.q.QueryContext(ctx,
		`SELECT balance FROM dimensional_balances WHERE org_id = ? AND account_id = ?`+clauses, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum dimensional balances: %w", err)
	}
	defer rows.Close()
	return sumDecimalRows(rows)
}

// =============================================================================
// POSTING SUMS (time-travel)
// =============================================================================

func (s *Store) PostingSumSince(ctx context.Context, org ledger.OrgID, account ledger.AccountID, after time.Time) (decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT p.amount FROM journal_postings p
		JOIN journal_entries e ON e.id = p.entry_id
		WHERE p.org_id = ? AND p.account_id = ? AND e.effective_date > ?`,
		org, account, fmtDate(after))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum postings: %w", err)
	}
	defer rows.Close()
	return sumDecimalRows(rows)
}

func (s *Store) PostingSumSinceByDims(ctx context.Context, org ledger.OrgID, account ledger.AccountID, dims ledger.Dimensions, after time.Time) (decimal.Decimal, error) {
	clauses, extra := dimFilter(dims)
	args := append([]any{org, account, fmtDate(after)}, extra...)
	rows, err := s.q.QueryContext(ctx, `
		SELECT p.amount FROM journal_postings p
		JOIN journal_entries e ON e.id = p.entry_id
		WHERE p.org_id = ? AND p.account_id = ? AND e.effective_date > ?`+clauses, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum postings by dims: %w", err)
	}
	defer rows.Close()
	return sumDecimalRows(rows)
}

func (s *Store) PostingSumsSinceAll(ctx context.Context, org ledger.OrgID, after time.Time) (map[ledger.AccountID]decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT p.account_id, p.amount FROM journal_postings p
		JOIN journal_entries e ON e.id = p.entry_id
		WHERE p.org_id = ? AND e.effective_date > ?`,
		org, fmtDate(after))
	if err != nil {
		return nil, fmt.Errorf("failed to sum postings: %w", err)
	}
	defer rows.Close()

	sums := make(map[ledger.AccountID]decimal.Decimal)
	for rows.Next() {
		var account ledger.AccountID
		var amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return nil, err
		}
		sums[account] = sums[account].Add(parseDecimal(amount))
	}
	return sums, rows.Err()
}

func (s *Store) ListBalances(ctx context.Context, org ledger.OrgID) ([]ledger.AccountBalance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT org_id, account_id, balance, last_entry_id, updated_at
		FROM account_balances WHERE org_id = ? ORDER BY account_id`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []ledger.AccountBalance
	for rows.Next() {
		var b ledger.AccountBalance
		var balance, updatedAt string
		if err := rows.Scan(&b.OrgID, &b.AccountID, &balance, &b.LastEntryID, &updatedAt); err != nil {
			return nil, err
		}
		b.Balance = parseDecimal(balance)
		b.UpdatedAt = parseTime(updatedAt)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) ListPostings(ctx context.Context, org ledger.OrgID, account ledger.AccountID, from, to time.Time, limit, offset int) ([]ledger.Posting, error) {
	query := `
		SELECT p.id, p.entry_id, p.org_id, p.account_id, p.amount,
		       p.property_id, p.unit_id, p.tenant_id, p.vendor_id, p.owner_id, p.line_description
		FROM journal_postings p
		JOIN journal_entries e ON e.id = p.entry_id
		WHERE p.org_id = ? AND p.account_id = ? AND e.effective_date >= ? AND e.effective_date <= ?
		ORDER BY e.effective_date, e.created_at, p.id`
	args := []any{org, account, fmtDate(from), fmtDate(to)}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list postings: %w", err)
	}
	defer rows.Close()

	var postings []ledger.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

func sumDecimalRows(rows *sql.Rows) (decimal.Decimal, error) {
	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(parseDecimal(amount))
	}
	return total, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
