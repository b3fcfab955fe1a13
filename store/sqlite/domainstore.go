/*
domainstore.go - sagas.Store, tax.Store, and diagnostics.Store queries

PURPOSE:

	Owners, distribution records, NACHA files, security deposits, the
	per-org check-number sequence, 1099 recipients/payments, and the
	integrity queries the canary runs.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/sagas"
	"github.com/propmaster/ledger-engine/tax"
)

// =============================================================================
// OWNERS
// =============================================================================

func (s *Store) CreateOwner(ctx context.Context, o sagas.Owner) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO owners (id, org_id, name, payment_method, bank_routing, bank_account, minimum_reserve, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrgID, o.Name, o.PaymentMethod, o.BankRouting, o.BankAccount,
		o.MinimumReserve.String(), fmtTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

func (s *Store) GetOwner(ctx context.Context, org, id string) (*sagas.Owner, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, name, payment_method, bank_routing, bank_account, minimum_reserve, created_at
		FROM owners WHERE org_id = ? AND id = ?`, org, id)
	o, err := scanOwner(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("owner %s not found", id)
	}
	return o, err
}

func (s *Store) ListOwners(ctx context.Context, org string) ([]sagas.Owner, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, name, payment_method, bank_routing, bank_account, minimum_reserve, created_at
		FROM owners WHERE org_id = ? ORDER BY name`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []sagas.Owner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		owners = append(owners, *o)
	}
	return owners, rows.Err()
}

func scanOwner(row rowScanner) (*sagas.Owner, error) {
	var o sagas.Owner
	var reserve, createdAt string
	err := row.Scan(&o.ID, &o.OrgID, &o.Name, &o.PaymentMethod, &o.BankRouting,
		&o.BankAccount, &reserve, &createdAt)
	if err != nil {
		return nil, err
	}
	o.MinimumReserve = parseDecimal(reserve)
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

func (s *Store) CreateDistribution(ctx context.Context, d sagas.Distribution) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO distributions (id, org_id, saga_id, owner_id, amount, status, entry_id, nacha_file_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrgID, d.SagaID, d.OwnerID, d.Amount.String(), d.Status, d.EntryID, d.NachaFileID, fmtTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create distribution: %w", err)
	}
	return nil
}

func (s *Store) ListDistributionsBySaga(ctx context.Context, sagaID string) ([]sagas.Distribution, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, saga_id, owner_id, amount, status, entry_id, nacha_file_id, created_at
		FROM distributions WHERE saga_id = ? ORDER BY created_at, id`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	defer rows.Close()

	var out []sagas.Distribution
	for rows.Next() {
		var d sagas.Distribution
		var amount, createdAt string
		if err := rows.Scan(&d.ID, &d.OrgID, &d.SagaID, &d.OwnerID, &amount, &d.Status,
			&d.EntryID, &d.NachaFileID, &createdAt); err != nil {
			return nil, err
		}
		d.Amount = parseDecimal(amount)
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDistribution(ctx context.Context, d sagas.Distribution) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		UPDATE distributions SET status = ?, entry_id = ?, nacha_file_id = ? WHERE id = ?`,
		d.Status, d.EntryID, d.NachaFileID, d.ID)
	return err
}

func (s *Store) DeleteDistribution(ctx context.Context, id string) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `DELETE FROM distributions WHERE id = ?`, id)
	return err
}

// =============================================================================
// NACHA FILES
// =============================================================================

func (s *Store) InsertNachaFile(ctx context.Context, f sagas.NachaFile) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO nacha_files (id, org_id, content, status, total_cents, entry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrgID, f.Content, f.Status, f.TotalCents, f.EntryCount, fmtTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert nacha file: %w", err)
	}
	return nil
}

func (s *Store) GetNachaFile(ctx context.Context, org, id string) (*sagas.NachaFile, error) {
	var f sagas.NachaFile
	var createdAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, content, status, total_cents, entry_count, created_at
		FROM nacha_files WHERE org_id = ? AND id = ?`, org, id).
		Scan(&f.ID, &f.OrgID, &f.Content, &f.Status, &f.TotalCents, &f.EntryCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("nacha file %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (s *Store) UpdateNachaFileStatus(ctx context.Context, org, id string, status sagas.NachaFileStatus) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx,
		`UPDATE nacha_files SET status = ? WHERE org_id = ? AND id = ?`, status, org, id)
	return err
}

// =============================================================================
// SECURITY DEPOSITS
// =============================================================================

func (s *Store) CreateSecurityDeposit(ctx context.Context, d sagas.SecurityDeposit) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO security_deposits
		(id, org_id, tenant_id, property_id, unit_id, state_code, amount, collected_at, move_out, status, entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrgID, d.TenantID, d.PropertyID, d.UnitID, d.StateCode, d.Amount.String(),
		fmtDate(d.CollectedAt), nullDate(d.MoveOut), d.Status, d.EntryID, fmtTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create security deposit: %w", err)
	}
	return nil
}

func (s *Store) GetSecurityDeposit(ctx context.Context, org, id string) (*sagas.SecurityDeposit, error) {
	var d sagas.SecurityDeposit
	var amount, collectedAt, createdAt string
	var moveOut sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, tenant_id, property_id, unit_id, state_code, amount, collected_at, move_out, status, entry_id, created_at
		FROM security_deposits WHERE org_id = ? AND id = ?`, org, id).
		Scan(&d.ID, &d.OrgID, &d.TenantID, &d.PropertyID, &d.UnitID, &d.StateCode,
			&amount, &collectedAt, &moveOut, &d.Status, &d.EntryID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("security deposit %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	d.Amount = parseDecimal(amount)
	d.CollectedAt = parseTime(collectedAt)
	d.MoveOut = scanNullTime(moveOut)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func (s *Store) UpdateSecurityDeposit(ctx context.Context, d sagas.SecurityDeposit) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		UPDATE security_deposits SET move_out = ?, status = ?, entry_id = ? WHERE org_id = ? AND id = ?`,
		nullDate(d.MoveOut), d.Status, d.EntryID, d.OrgID, d.ID)
	return err
}

func (s *Store) DeleteSecurityDeposit(ctx context.Context, id string) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `DELETE FROM security_deposits WHERE id = ?`, id)
	return err
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtDate(*t)
}

// =============================================================================
// CHECK SEQUENCE
// =============================================================================

// NextCheckNumber reserves the org's next check number atomically.
func (s *Store) NextCheckNumber(ctx context.Context, org string) (int64, error) {
	defer s.lock()()

	txStore, tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = txStore.q.ExecContext(ctx, `
		INSERT INTO check_sequences (org_id, next_number) VALUES (?, 1001)
		ON CONFLICT(org_id) DO NOTHING`, org)
	if err != nil {
		return 0, fmt.Errorf("failed to seed check sequence: %w", err)
	}
	var n int64
	if err := txStore.q.QueryRowContext(ctx,
		`SELECT next_number FROM check_sequences WHERE org_id = ?`, org).Scan(&n); err != nil {
		return 0, err
	}
	if _, err := txStore.q.ExecContext(ctx,
		`UPDATE check_sequences SET next_number = next_number + 1 WHERE org_id = ?`, org); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// =============================================================================
// TAX RECIPIENTS AND PAYMENTS
// =============================================================================

func (s *Store) UpsertRecipient(ctx context.Context, r tax.Recipient) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tax_recipients (id, org_id, kind, name, tin, w9_on_file, address1, city, state, zip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, tin = excluded.tin, w9_on_file = excluded.w9_on_file,
			address1 = excluded.address1, city = excluded.city, state = excluded.state, zip = excluded.zip`,
		r.ID, r.OrgID, r.Kind, r.Name, r.TIN, boolInt(r.W9OnFile),
		r.Address1, r.City, r.State, r.Zip, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert tax recipient: %w", err)
	}
	return nil
}

func (s *Store) ListRecipients(ctx context.Context, org string) ([]tax.Recipient, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, kind, name, tin, w9_on_file, address1, city, state, zip, created_at
		FROM tax_recipients WHERE org_id = ? ORDER BY name`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list tax recipients: %w", err)
	}
	defer rows.Close()

	var recipients []tax.Recipient
	for rows.Next() {
		var r tax.Recipient
		var w9 int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Kind, &r.Name, &r.TIN, &w9,
			&r.Address1, &r.City, &r.State, &r.Zip, &createdAt); err != nil {
			return nil, err
		}
		r.W9OnFile = w9 == 1
		r.CreatedAt = parseTime(createdAt)
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

func (s *Store) RecordPayment(ctx context.Context, p tax.Payment) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tax_payments (id, org_id, recipient_id, amount, paid_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.RecipientID, p.Amount.String(), fmtDate(p.PaidAt))
	if err != nil {
		return fmt.Errorf("failed to record tax payment: %w", err)
	}
	return nil
}

// YTDAmount sums a recipient's payments within the calendar year.
func (s *Store) YTDAmount(ctx context.Context, org, recipientID string, year int) (decimal.Decimal, error) {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	rows, err := s.q.QueryContext(ctx, `
		SELECT amount FROM tax_payments
		WHERE org_id = ? AND recipient_id = ? AND paid_at >= ? AND paid_at <= ?`,
		org, recipientID, fmtDate(start), fmtDate(end))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum tax payments: %w", err)
	}
	defer rows.Close()
	return sumDecimalRows(rows)
}

// =============================================================================
// DIAGNOSTICS QUERIES
// =============================================================================

func (s *Store) SumBalancesBySubtype(ctx context.Context, org string, subtype ledger.AccountSubtype) (decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT b.balance FROM account_balances b
		JOIN accounts a ON a.id = b.account_id AND a.org_id = b.org_id
		WHERE b.org_id = ? AND a.subtype = ?`, org, subtype)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum balances by subtype: %w", err)
	}
	defer rows.Close()
	return sumDecimalRows(rows)
}

func (s *Store) CountOrphanPostings(ctx context.Context, org string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journal_postings p
		WHERE p.org_id = ? AND NOT EXISTS (SELECT 1 FROM journal_entries e WHERE e.id = p.entry_id)`,
		org).Scan(&n)
	return n, err
}

func (s *Store) CountEmptyEntries(ctx context.Context, org string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journal_entries e
		WHERE e.org_id = ? AND NOT EXISTS (SELECT 1 FROM journal_postings p WHERE p.entry_id = e.id)`,
		org).Scan(&n)
	return n, err
}

func (s *Store) RecomputeBalances(ctx context.Context, org string) (map[ledger.AccountID]decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT account_id, amount FROM journal_postings WHERE org_id = ?`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute balances: %w", err)
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

// CorruptBalance shifts a materialized balance by delta without touching
// postings. Test-only injection used to prove the canary trips.
func (s *Store) CorruptBalance(ctx context.Context, org string, account ledger.AccountID, delta decimal.Decimal) error {
	defer s.lock()()
	b, err := s.GetBalance(ctx, ledger.OrgID(org), account)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE account_balances SET balance = ? WHERE org_id = ? AND account_id = ?`,
		b.Balance.Add(delta).String(), org, account)
	return err
}
