/*
handlers.go - HTTP handler implementations

PURPOSE:

	Translates HTTP requests into service calls and domain errors into
	machine-readable {error, code} responses. The org is taken from the
	X-Org-ID header (upstream auth owns identity; this layer only scopes).

ERROR MAPPING:

	ledger.ErrUnbalanced            -> 422 UNBALANCED
	ledger.ErrEmptyEntry            -> 422 UNBALANCED
	ledger.ErrInvalidAccount        -> 422 INVALID_ACCOUNT
	ledger.ErrAccountNotFound       -> 404 ACCOUNT_NOT_FOUND
	ledger.ErrEntryNotFound         -> 404 ENTRY_NOT_FOUND
	ledger.ErrAlreadyReversed       -> 409 ALREADY_REVERSED
	ledger.ErrClosedPeriod          -> 409 PERIOD_CLOSED
	period.ErrPeriodClosed          -> 409 PERIOD_CLOSED
	compliance.ErrRuleNotFound      -> 404 COMPLIANCE_RULE_NOT_FOUND
	diagnostics.ErrGateFailed       -> 409 DIAGNOSTIC_GATE_FAILED
	saga.ErrSagaNotFound            -> 404 SAGA_NOT_FOUND
	saga.ErrExecutorNotRegistered   -> 404 SAGA_UNKNOWN
	outbox.ErrEventNotFound         -> 404 EVENT_NOT_FOUND
	outbox.ErrNotDeadLetter         -> 409 NOT_DEAD_LETTER
	everything else                 -> 500 INTERNAL

SEE ALSO:
  - dto.go: wire shapes
  - server.go: routing
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/sagas"
)

// Handler carries the service dependencies for all endpoints.
type Handler struct {
	Ledger      *ledger.Service
	Compliance  *compliance.Service
	Periods     *period.Manager
	Canary      *diagnostics.Canary
	Outbox      *outbox.Outbox
	Engine      *saga.Engine
	PeriodStore period.Store
	Accounts    ledger.Store
}

// NewHandler wires the handler over its services.
func NewHandler(svc *sagas.Services, periodStore period.Store) *Handler {
	return &Handler{
		Ledger:      svc.Ledger,
		Compliance:  svc.Compliance,
		Periods:     svc.Periods,
		Canary:      svc.Canary,
		Outbox:      svc.Outbox,
		Engine:      svc.Engine,
		PeriodStore: periodStore,
		Accounts:    svc.Ledger.Store(),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	org := orgID(r)
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	entryDate, err := parseDate(req.EntryDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry_date")
		return
	}
	effective := entryDate
	if req.EffectiveDate != "" {
		if effective, err = parseDate(req.EffectiveDate); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid effective_date")
			return
		}
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	in := ledger.EntryInput{
		OrgID:         ledger.OrgID(org),
		EntryDate:     entryDate,
		EffectiveDate: effective,
		Description:   req.Description,
		Memo:          req.Memo,
		SourceType:    ledger.SourceType(req.SourceType),
		SourceID:      req.SourceID,
		TraceID:       traceID,
	}
	for _, p := range req.Postings {
		in.Postings = append(in.Postings, p.toInput())
	}

	entry, err := h.Ledger.CreateEntry(r.Context(), in, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Ledger.GetEntry(r.Context(), ledger.OrgID(orgID(r)), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req reverseEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	reversal, err := h.Ledger.ReverseEntry(r.Context(), ledger.OrgID(orgID(r)),
		ledger.EntryID(chi.URLParam(r, "id")), req.Reason, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(reversal))
}

// =============================================================================
// BALANCES
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	org := ledger.OrgID(orgID(r))
	account := ledger.AccountID(chi.URLParam(r, "account"))

	if asOf := r.URL.Query().Get("as_of"); asOf != "" {
		d, err := parseDate(asOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid as_of date")
			return
		}
		bal, err := h.Ledger.BalanceAsOf(r.Context(), org, account, d)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, balanceResponse{
			AccountID: string(account), Balance: ledger.Present(bal).StringFixed(2), AsOf: asOf,
		})
		return
	}

	bal, err := h.Ledger.Balance(r.Context(), org, account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: string(account), Balance: ledger.Present(bal).StringFixed(2),
	})
}

func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	org := ledger.OrgID(orgID(r))
	account := ledger.AccountID(chi.URLParam(r, "account"))
	q := r.URL.Query()

	from, err := parseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid from date")
		return
	}
	to, err := parseDate(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid to date")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 100
	}

	activity, err := h.Ledger.Activity(r.Context(), org, account, from, to, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

// =============================================================================
// REPORTS AND DIAGNOSTICS
// =============================================================================

// TrialBalance refuses to emit when the canary fails.
func (h *Handler) TrialBalance(w http.ResponseWriter, r *http.Request) {
	org := orgID(r)
	if _, err := h.Canary.Gate(r.Context(), org); err != nil {
		writeDomainError(w, err)
		return
	}
	asOf := time.Now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		d, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid as_of date")
			return
		}
		asOf = d
	}
	tb, err := h.Ledger.TrialBalanceAsOf(r.Context(), ledger.OrgID(org), asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

func (h *Handler) RunDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := h.Canary.RunAll(r.Context(), orgID(r))
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// =============================================================================
// SAGAS
// =============================================================================

// StartSaga accepts the payload as the request body and answers 202 with
// the saga id; progress is outbox-driven.
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	org := orgID(r)
	payload["org_id"] = org

	s, err := h.Engine.Start(r.Context(), saga.StartInput{
		OrgID:       org,
		Name:        chi.URLParam(r, "name"),
		Payload:     payload,
		InitiatedBy: r.Header.Get("X-User-ID"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"saga_id": s.ID, "status": s.Status, "current_step": s.CurrentStep, "trace_id": s.TraceID,
	})
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) GetSagaSteps(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Engine.StepLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// =============================================================================
// OUTBOX OPERATOR SURFACE
// =============================================================================

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	events, err := h.Outbox.ListDeadLetters(r.Context(), orgID(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	fresh, err := h.Outbox.RetryDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": fresh.ID, "status": fresh.Status})
}

// =============================================================================
// PERIODS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.PeriodStore.ListPeriods(r.Context(), orgID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

// ClosePeriod starts the PERIOD_CLOSE saga; the diagnostics gate and the
// freeze run asynchronously.
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	var req closePeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	org := orgID(r)
	s, err := h.Engine.Start(r.Context(), saga.StartInput{
		OrgID: org,
		Name:  sagas.SagaPeriodClose,
		Payload: sagas.PeriodClosePayload{
			OrgID: org, PeriodDate: req.PeriodDate, ClosedBy: req.ClosedBy,
		},
		InitiatedBy: req.ClosedBy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"saga_id": s.ID, "status": s.Status})
}

// =============================================================================
// COMPLIANCE
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Compliance.List(r.Context(), orgID(r),
		chi.URLParam(r, "state"), compliance.RuleType(chi.URLParam(r, "type")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	var req upsertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	effective, err := parseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid effective_date")
		return
	}
	rule := compliance.Rule{
		ID:             uuid.NewString(),
		OrgID:          orgID(r),
		StateCode:      req.StateCode,
		RuleType:       compliance.RuleType(req.RuleType),
		RuleKey:        req.RuleKey,
		RuleValue:      req.RuleValue,
		EffectiveDate:  effective,
		SourceCitation: req.SourceCitation,
		CreatedAt:      time.Now().UTC(),
	}
	if req.EndDate != "" {
		end, err := parseDate(req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid end_date")
			return
		}
		rule.EndDate = &end
	}
	if err := h.Compliance.Upsert(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Accounts.ListAccounts(r.Context(), ledger.OrgID(orgID(r)))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	a := ledger.Account{
		ID:            ledger.AccountID(uuid.NewString()),
		OrgID:         ledger.OrgID(orgID(r)),
		Code:          req.Code,
		Name:          req.Name,
		Type:          ledger.AccountType(req.Type),
		NormalBalance: ledger.NormalBalance(req.NormalBalance),
		Subtype:       ledger.AccountSubtype(req.Subtype),
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.Accounts.CreateAccount(r.Context(), a); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// HELPERS
// =============================================================================

func orgID(r *http.Request) string {
	if org := r.Header.Get("X-Org-ID"); org != "" {
		return org
	}
	return "default"
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnbalanced), errors.Is(err, ledger.ErrEmptyEntry):
		writeError(w, http.StatusUnprocessableEntity, "UNBALANCED", err.Error())
	case errors.Is(err, ledger.ErrInvalidAccount):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_ACCOUNT", err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
	case errors.Is(err, ledger.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "ENTRY_NOT_FOUND", err.Error())
	case errors.Is(err, ledger.ErrAlreadyReversed):
		writeError(w, http.StatusConflict, "ALREADY_REVERSED", err.Error())
	case errors.Is(err, ledger.ErrClosedPeriod), errors.Is(err, period.ErrPeriodClosed):
		writeError(w, http.StatusConflict, "PERIOD_CLOSED", err.Error())
	case errors.Is(err, compliance.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "COMPLIANCE_RULE_NOT_FOUND", err.Error())
	case errors.Is(err, diagnostics.ErrGateFailed):
		writeError(w, http.StatusConflict, "DIAGNOSTIC_GATE_FAILED", err.Error())
	case errors.Is(err, saga.ErrSagaNotFound):
		writeError(w, http.StatusNotFound, "SAGA_NOT_FOUND", err.Error())
	case errors.Is(err, saga.ErrExecutorNotRegistered):
		writeError(w, http.StatusNotFound, "SAGA_UNKNOWN", err.Error())
	case errors.Is(err, outbox.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "EVENT_NOT_FOUND", err.Error())
	case errors.Is(err, outbox.ErrNotDeadLetter):
		writeError(w, http.StatusConflict, "NOT_DEAD_LETTER", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
