/*
Package tax tracks 1099 reporting obligations and emits regulator files.

PURPOSE:

	YTD amounts accrue per vendor and per owner. At year end, recipients
	whose total meets the tax.threshold_1099 compliance rule get a
	1099-NEC (vendors) or 1099-MISC (owners). Recipients with a missing
	TIN, missing W-9, or incomplete address are blocked from the filing
	and surfaced individually.

OUTPUTS:
  - Form1099 documents per reportable recipient
  - the IRS FIRE transmission file (fire.go)

SEE ALSO:
  - fire.go: fixed-width T/A/B/C/F records
  - compliance: threshold lookup
*/
package tax

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/compliance"
)

// =============================================================================
// TYPES
// =============================================================================

type RecipientKind string

const (
	KindVendor RecipientKind = "vendor"
	KindOwner  RecipientKind = "owner"
)

// Recipient is a payee tracked for 1099 purposes.
type Recipient struct {
	ID        string
	OrgID     string
	Kind      RecipientKind
	Name      string
	TIN       string
	W9OnFile  bool
	Address1  string
	City      string
	State     string
	Zip       string
	CreatedAt time.Time
}

// Payment is one reportable payment to a recipient.
type Payment struct {
	ID          string
	OrgID       string
	RecipientID string
	Amount      decimal.Decimal
	PaidAt      time.Time
}

type ReturnType string

const (
	ReturnNEC  ReturnType = "NEC"
	ReturnMISC ReturnType = "MISC"
)

// Form1099 is one generated information return.
type Form1099 struct {
	RecipientID string
	Recipient   Recipient
	ReturnType  ReturnType
	TaxYear     int
	Amount      decimal.Decimal
}

// StatusError blocks a recipient from the filing.
type StatusError struct {
	RecipientID string
	Name        string
	Reason      string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("1099 blocked for %s (%s): %s", e.Name, e.RecipientID, e.Reason)
}

// FilingResult is the year-end run output.
type FilingResult struct {
	TaxYear   int
	Threshold decimal.Decimal
	Forms     []Form1099
	Blocked   []StatusError
	Skipped   int // under threshold
}

// =============================================================================
// STORE
// =============================================================================

// Store persists recipients and payments.
type Store interface {
	UpsertRecipient(ctx context.Context, r Recipient) error
	ListRecipients(ctx context.Context, org string) ([]Recipient, error)
	RecordPayment(ctx context.Context, p Payment) error
	YTDAmount(ctx context.Context, org, recipientID string, year int) (decimal.Decimal, error)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service tracks payments and runs the year-end filing.
type Service struct {
	store      Store
	compliance *compliance.Service
}

func NewService(store Store, comp *compliance.Service) *Service {
	return &Service{store: store, compliance: comp}
}

// Track records a reportable payment.
func (s *Service) Track(ctx context.Context, org, recipientID string, amount decimal.Decimal, paidAt time.Time) error {
	return s.store.RecordPayment(ctx, Payment{
		ID:          uuid.NewString(),
		OrgID:       org,
		RecipientID: recipientID,
		Amount:      amount,
		PaidAt:      paidAt,
	})
}

// YTD returns a recipient's year-to-date reportable total.
func (s *Service) YTD(ctx context.Context, org, recipientID string, year int) (decimal.Decimal, error) {
	return s.store.YTDAmount(ctx, org, recipientID, year)
}

// RunFiling builds the filing for a tax year: every recipient at or over
// the threshold gets a form, unless a status error blocks them.
func (s *Service) RunFiling(ctx context.Context, org, state string, year int) (*FilingResult, error) {
	asOf := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	threshold, err := s.compliance.Threshold1099(ctx, org, state, asOf)
	if err != nil {
		return nil, err
	}

	recipients, err := s.store.ListRecipients(ctx, org)
	if err != nil {
		return nil, err
	}

	result := &FilingResult{TaxYear: year, Threshold: threshold}
	for _, r := range recipients {
		ytd, err := s.store.YTDAmount(ctx, org, r.ID, year)
		if err != nil {
			return nil, err
		}
		if ytd.LessThan(threshold) {
			result.Skipped++
			continue
		}
		if blocked := checkStatus(r); blocked != nil {
			result.Blocked = append(result.Blocked, *blocked)
			continue
		}
		rt := ReturnNEC
		if r.Kind == KindOwner {
			rt = ReturnMISC
		}
		result.Forms = append(result.Forms, Form1099{
			RecipientID: r.ID,
			Recipient:   r,
			ReturnType:  rt,
			TaxYear:     year,
			Amount:      ytd.RoundBank(2),
		})
	}
	return result, nil
}

func checkStatus(r Recipient) *StatusError {
	switch {
	case r.TIN == "":
		return &StatusError{RecipientID: r.ID, Name: r.Name, Reason: "missing TIN"}
	case !r.W9OnFile:
		return &StatusError{RecipientID: r.ID, Name: r.Name, Reason: "missing W-9"}
	case r.Address1 == "" || r.City == "" || r.State == "" || r.Zip == "":
		return &StatusError{RecipientID: r.ID, Name: r.Name, Reason: "invalid address"}
	}
	return nil
}
