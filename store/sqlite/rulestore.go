/*
rulestore.go - period.Store and compliance.Store implementations

PURPOSE:

	Accounting periods and temporal compliance-rule versions. Rule lookups
	answer "what was law on date D" by filtering on the effective/end date
	window.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/period"
)

// =============================================================================
// PERIODS
// =============================================================================

func (s *Store) CreatePeriod(ctx context.Context, p period.Period) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounting_periods (id, org_id, start_date, end_date, closed, closed_at, closed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, fmtDate(p.Start), fmtDate(p.End), boolInt(p.Closed), nullTime(p.ClosedAt), p.ClosedBy)
	if err != nil {
		return fmt.Errorf("failed to create period: %w", err)
	}
	return nil
}

func (s *Store) GetPeriodContaining(ctx context.Context, org string, date time.Time) (*period.Period, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, start_date, end_date, closed, closed_at, closed_by
		FROM accounting_periods
		WHERE org_id = ? AND start_date <= ? AND end_date >= ?`,
		org, fmtDate(date), fmtDate(date))
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, period.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load period: %w", err)
	}
	return p, nil
}

func (s *Store) ClosePeriod(ctx context.Context, org, id, closedBy string, at time.Time) error {
	defer s.lock()()
	res, err := s.q.ExecContext(ctx, `
		UPDATE accounting_periods SET closed = 1, closed_at = ?, closed_by = ?
		WHERE org_id = ? AND id = ? AND closed = 0`,
		fmtTime(at), closedBy, org, id)
	if err != nil {
		return fmt.Errorf("failed to close period: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return period.ErrPeriodClosed
	}
	return nil
}

func (s *Store) ListPeriods(ctx context.Context, org string) ([]period.Period, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, start_date, end_date, closed, closed_at, closed_by
		FROM accounting_periods WHERE org_id = ? ORDER BY start_date`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var periods []period.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, *p)
	}
	return periods, rows.Err()
}

func scanPeriod(row rowScanner) (*period.Period, error) {
	var p period.Period
	var start, end string
	var closed int
	var closedAt sql.NullString
	err := row.Scan(&p.ID, &p.OrgID, &start, &end, &closed, &closedAt, &p.ClosedBy)
	if err != nil {
		return nil, err
	}
	p.Start = parseTime(start)
	p.End = parseTime(end)
	p.Closed = closed == 1
	p.ClosedAt = scanNullTime(closedAt)
	return &p, nil
}

// =============================================================================
// COMPLIANCE RULES
// =============================================================================

func (s *Store) GetActiveRule(ctx context.Context, org, state string, ruleType compliance.RuleType, key string, asOf time.Time) (*compliance.Rule, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, state_code, rule_type, rule_key, rule_value, effective_date, end_date, source_citation, created_at
		FROM compliance_rules
		WHERE org_id = ? AND state_code = ? AND rule_type = ? AND rule_key = ?
		  AND effective_date <= ? AND (end_date IS NULL OR end_date > ?)
		ORDER BY effective_date DESC LIMIT 1`,
		org, state, ruleType, key, fmtDate(asOf), fmtDate(asOf))
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, compliance.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return r, nil
}

func (s *Store) EndDateRule(ctx context.Context, org, state string, ruleType compliance.RuleType, key string, endDate time.Time) error {
	defer s.lock()()
	_, err := s.q.ExecContext(ctx, `
		UPDATE compliance_rules SET end_date = ?
		WHERE org_id = ? AND state_code = ? AND rule_type = ? AND rule_key = ?
		  AND end_date IS NULL AND effective_date < ?`,
		fmtDate(endDate), org, state, ruleType, key, fmtDate(endDate))
	if err != nil {
		return fmt.Errorf("failed to end-date rule: %w", err)
	}
	return nil
}

func (s *Store) InsertRule(ctx context.Context, r compliance.Rule) error {
	defer s.lock()()
	var endDate any
	if r.EndDate != nil {
		endDate = fmtDate(*r.EndDate)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO compliance_rules
		(id, org_id, state_code, rule_type, rule_key, rule_value, effective_date, end_date, source_citation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrgID, r.StateCode, r.RuleType, r.RuleKey, r.RuleValue,
		fmtDate(r.EffectiveDate), endDate, r.SourceCitation, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, org, state string, ruleType compliance.RuleType) ([]compliance.Rule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, org_id, state_code, rule_type, rule_key, rule_value, effective_date, end_date, source_citation, created_at
		FROM compliance_rules
		WHERE org_id = ? AND state_code = ? AND rule_type = ?
		ORDER BY rule_key, effective_date`, org, state, ruleType)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []compliance.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*compliance.Rule, error) {
	var r compliance.Rule
	var effective, createdAt string
	var endDate sql.NullString
	err := row.Scan(&r.ID, &r.OrgID, &r.StateCode, &r.RuleType, &r.RuleKey, &r.RuleValue,
		&effective, &endDate, &r.SourceCitation, &createdAt)
	if err != nil {
		return nil, err
	}
	r.EffectiveDate = parseTime(effective)
	r.EndDate = scanNullTime(endDate)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}
