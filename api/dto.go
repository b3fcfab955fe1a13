/*
dto.go - Request and response shapes

PURPOSE:

	JSON wire types for the HTTP layer, kept apart from the domain types
	so the API can evolve without touching the ledger.
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type postingRequest struct {
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	PropertyID  string          `json:"property_id,omitempty"`
	UnitID      string          `json:"unit_id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	VendorID    string          `json:"vendor_id,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (p postingRequest) toInput() ledger.PostingInput {
	return ledger.PostingInput{
		AccountID: ledger.AccountID(p.AccountID),
		Amount:    p.Amount,
		Dimensions: ledger.Dimensions{
			PropertyID: p.PropertyID,
			UnitID:     p.UnitID,
			TenantID:   p.TenantID,
			VendorID:   p.VendorID,
			OwnerID:    p.OwnerID,
		},
		Description: p.Description,
	}
}

type createEntryRequest struct {
	EntryDate      string           `json:"entry_date"`     // YYYY-MM-DD
	EffectiveDate  string           `json:"effective_date"` // optional
	Description    string           `json:"description"`
	Memo           string           `json:"memo,omitempty"`
	SourceType     string           `json:"source_type"`
	SourceID       string           `json:"source_id,omitempty"`
	TraceID        string           `json:"trace_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Postings       []postingRequest `json:"postings"`
}

type reverseEntryRequest struct {
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createAccountRequest struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	NormalBalance string `json:"normal_balance"`
	Subtype       string `json:"subtype,omitempty"`
}

type upsertRuleRequest struct {
	StateCode      string `json:"state_code"`
	RuleType       string `json:"rule_type"`
	RuleKey        string `json:"rule_key"`
	RuleValue      string `json:"rule_value"`
	EffectiveDate  string `json:"effective_date"`
	EndDate        string `json:"end_date,omitempty"`
	SourceCitation string `json:"source_citation,omitempty"`
}

type closePeriodRequest struct {
	PeriodDate string `json:"period_date"` // YYYY-MM-DD inside the period
	ClosedBy   string `json:"closed_by"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type entryResponse struct {
	ID                string            `json:"id"`
	EntryDate         string            `json:"entry_date"`
	EffectiveDate     string            `json:"effective_date"`
	Description       string            `json:"description"`
	SourceType        string            `json:"source_type"`
	IsReversal        bool              `json:"is_reversal"`
	ReversesEntryID   string            `json:"reverses_entry_id,omitempty"`
	ReversedByEntryID string            `json:"reversed_by_entry_id,omitempty"`
	TraceID           string            `json:"trace_id,omitempty"`
	Postings          []postingResponse `json:"postings"`
}

type postingResponse struct {
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	PropertyID  string `json:"property_id,omitempty"`
	UnitID      string `json:"unit_id,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
	VendorID    string `json:"vendor_id,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func toEntryResponse(e *ledger.JournalEntry) entryResponse {
	resp := entryResponse{
		ID:                string(e.ID),
		EntryDate:         e.EntryDate.Format("2006-01-02"),
		EffectiveDate:     e.EffectiveDate.Format("2006-01-02"),
		Description:       e.Description,
		SourceType:        string(e.SourceType),
		IsReversal:        e.IsReversal,
		ReversesEntryID:   string(e.ReversesEntryID),
		ReversedByEntryID: string(e.ReversedByEntryID),
		TraceID:           e.TraceID,
	}
	for _, p := range e.Postings {
		resp.Postings = append(resp.Postings, postingResponse{
			AccountID:   string(p.AccountID),
			Amount:      p.Amount.String(),
			PropertyID:  p.Dimensions.PropertyID,
			UnitID:      p.Dimensions.UnitID,
			TenantID:    p.Dimensions.TenantID,
			VendorID:    p.Dimensions.VendorID,
			OwnerID:     p.Dimensions.OwnerID,
			Description: p.Description,
		})
	}
	return resp
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"` // presentation precision
	AsOf      string `json:"as_of,omitempty"`
}
