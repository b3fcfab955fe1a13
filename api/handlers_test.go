package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/api"
	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/sagas"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const org = "org-1"

type env struct {
	server *httptest.Server
	store  *sqlite.Store
	chart  sagas.ChartRef
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zap.NewNop()
	periods := period.NewManager(store)
	ledgerSvc := ledger.NewService(store, periods)
	comp := compliance.NewService(store)
	ob := outbox.New(store)
	canary := diagnostics.NewCanary(store, log)
	engine := saga.NewEngine(store, ob, log)

	chart, err := sagas.EnsureChart(context.Background(), store, org)
	require.NoError(t, err)

	svc := &sagas.Services{
		Ledger: ledgerSvc, Compliance: comp, Periods: periods,
		Canary: canary, Outbox: ob, Engine: engine, Store: store, Chart: chart,
	}
	sagas.RegisterAll(svc)

	handler := api.NewHandler(svc, store)
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)

	return &env{server: server, store: store, chart: chart}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-ID", org)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// entryBody posts trust cash against owner liability so trust integrity
// (I4) holds for the gate-protected endpoints.
func entryBody(key string, amount string, chart sagas.ChartRef) map[string]any {
	return map[string]any{
		"entry_date":      time.Now().UTC().Format("2006-01-02"),
		"description":     "test entry",
		"source_type":     "payment",
		"idempotency_key": key,
		"postings": []map[string]any{
			{"account_id": string(chart.TrustBank), "amount": amount},
			{"account_id": string(chart.OwnerLiability), "amount": "-" + amount, "owner_id": "o1"},
		},
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestPostEntries_CreatesAndIsIdempotent(t *testing.T) {
	e := newEnv(t)
	body := entryBody("api-1", "1500", e.chart)

	resp, first := e.do(t, http.MethodPost, "/api/entries", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, first["id"])

	resp, second := e.do(t, http.MethodPost, "/api/entries", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["id"], second["id"], "replay returns the original entry")
}

func TestPostEntries_Unbalanced_422(t *testing.T) {
	e := newEnv(t)
	body := entryBody("api-2", "100", e.chart)
	body["postings"].([]map[string]any)[1]["amount"] = "-90"

	resp, decoded := e.do(t, http.MethodPost, "/api/entries", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "UNBALANCED", decoded["code"])
}

func TestReverseEntry_ThenAgain_409(t *testing.T) {
	e := newEnv(t)
	_, created := e.do(t, http.MethodPost, "/api/entries", entryBody("api-3", "200", e.chart))
	id := created["id"].(string)

	resp, _ := e.do(t, http.MethodPost, "/api/entries/"+id+"/reverse",
		map[string]any{"reason": "oops", "idempotency_key": "rev-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded := e.do(t, http.MethodPost, "/api/entries/"+id+"/reverse",
		map[string]any{"reason": "again", "idempotency_key": "rev-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_REVERSED", decoded["code"])
}

// =============================================================================
// BALANCES AND REPORTS
// =============================================================================

func TestGetBalance_CurrentAndAsOf(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/entries", entryBody("api-4", "1500", e.chart))

	resp, decoded := e.do(t, http.MethodGet, "/api/balances/"+string(e.chart.TrustBank), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1500.00", decoded["balance"])

	today := time.Now().UTC().Format("2006-01-02")
	resp, decoded = e.do(t, http.MethodGet, "/api/balances/"+string(e.chart.TrustBank)+"?as_of="+today, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1500.00", decoded["balance"])
}

func TestTrialBalance_GateRefusesOnCorruption(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/entries", entryBody("api-5", "900", e.chart))

	resp, _ := e.do(t, http.MethodGet, "/api/reports/trial-balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d, _ := decimal.NewFromString("1.00")
	require.NoError(t, e.store.CorruptBalance(context.Background(), org, e.chart.TrustBank, d))

	resp, decoded := e.do(t, http.MethodGet, "/api/reports/trial-balance", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DIAGNOSTIC_GATE_FAILED", decoded["code"])
}

func TestRunDiagnostics(t *testing.T) {
	e := newEnv(t)
	resp, decoded := e.do(t, http.MethodGet, "/api/diagnostics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decoded["passed"])
}

// =============================================================================
// SAGAS AND PERIODS
// =============================================================================

func TestStartSaga_Accepted(t *testing.T) {
	e := newEnv(t)
	resp, decoded := e.do(t, http.MethodPost, "/api/sagas/"+sagas.SagaDepositCollect, map[string]any{
		"tenant_id": "ten-1", "state_code": "CA", "amount": "1000", "monthly_rent": "1500",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decoded["saga_id"])
	assert.Equal(t, string(saga.StatusRunning), decoded["status"])
}

func TestStartSaga_Unknown_404(t *testing.T) {
	e := newEnv(t)
	resp, decoded := e.do(t, http.MethodPost, "/api/sagas/NOT_A_SAGA", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SAGA_UNKNOWN", decoded["code"])
}

func TestClosePeriod_Accepted(t *testing.T) {
	e := newEnv(t)
	resp, decoded := e.do(t, http.MethodPost, "/api/periods/close", map[string]any{
		"period_date": "2025-04-10", "closed_by": "tester",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decoded["saga_id"])
}

// =============================================================================
// COMPLIANCE
// =============================================================================

func TestUpsertAndListRules(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/compliance/rules", map[string]any{
		"state_code": "CA", "rule_type": "late_fee", "rule_key": "max_amount",
		"rule_value": "50", "effective_date": "2020-01-01",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/api/compliance/CA/late_fee", nil)
	req.Header.Set("X-Org-ID", org)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()

	var rules []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "50", rules[0]["RuleValue"])
}
