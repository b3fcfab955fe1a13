package migration_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/migration"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const org = "org-1"

func newValidator(t *testing.T) *migration.Validator {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, code := range []string{"1000", "1050", "4000"} {
		require.NoError(t, store.CreateAccount(context.Background(), ledger.Account{
			ID: ledger.AccountID("acct-" + code), OrgID: org, Code: code, Name: code,
			Type: ledger.AccountAsset, NormalBalance: ledger.NormalDebit,
			CreatedAt: time.Now().UTC(),
		}))
	}
	return migration.NewValidator(store)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func balancedTx(date, desc string) migration.ImportTransaction {
	return migration.ImportTransaction{
		Date: date, Description: desc,
		Postings: []migration.ImportPosting{
			{AccountCode: "1000", Amount: dec("100")},
			{AccountCode: "4000", Amount: dec("-100")},
		},
	}
}

func findings(res *migration.Result, rule string) []migration.Finding {
	var out []migration.Finding
	for _, f := range res.Findings {
		if f.Rule == rule {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// RULES
// =============================================================================

func TestValidate_CleanImport_Passes(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(context.Background(), &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{
			balancedTx("2024-01-10", "opening"),
			balancedTx("2024-02-10", "rent"),
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Passed())
	assert.Zero(t, res.Errors)
}

func TestValidate_UnbalancedTransaction_Error(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(context.Background(), &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{{
			Date: "2024-01-10", Description: "off by a penny",
			Postings: []migration.ImportPosting{
				{AccountCode: "1000", Amount: dec("100")},
				{AccountCode: "4000", Amount: dec("-99.99")},
			},
		}},
	})
	require.NoError(t, err)
	assert.False(t, res.Passed())
	require.Len(t, findings(res, "accounting_equation"), 1)
}

func TestValidate_NegativeOwnerCash_ErrorUnlessLoan(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	// Draw with no prior funding: error.
	res, err := v.Validate(ctx, &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{{
			Date: "2024-01-10", Description: "draw",
			Postings: []migration.ImportPosting{
				{AccountCode: "1000", Amount: dec("-500"), OwnerID: "o1"},
				{AccountCode: "1050", Amount: dec("500")},
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, findings(res, "negative_owner_cash"), 1)

	// Same draw flagged as a loan: allowed.
	res, err = v.Validate(ctx, &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{{
			Date: "2024-01-10", Description: "loan draw",
			Postings: []migration.ImportPosting{
				{AccountCode: "1000", Amount: dec("-500"), OwnerID: "o1", IsLoan: true},
				{AccountCode: "1050", Amount: dec("500")},
			},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, findings(res, "negative_owner_cash"))
}

func TestValidate_UnknownAccount_Error(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(context.Background(), &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{{
			Date: "2024-01-10", Description: "typo",
			Postings: []migration.ImportPosting{
				{AccountCode: "9999", Amount: dec("100")},
				{AccountCode: "4000", Amount: dec("-100")},
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, findings(res, "account_exists"), 1)
	assert.Contains(t, res.Findings[0].Detail, "9999")
}

func TestValidate_DateSanity(t *testing.T) {
	v := newValidator(t)
	future := time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02")
	res, err := v.Validate(context.Background(), &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{
			balancedTx(future, "from the future"),
			balancedTx("1901-01-01", "from the distant past"),
			{Date: "not-a-date", Description: "garbage", Postings: []migration.ImportPosting{
				{AccountCode: "1000", Amount: dec("1")},
				{AccountCode: "4000", Amount: dec("-1")},
			}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, findings(res, "date_valid"), 3)
}

func TestValidate_DuplicateFingerprint_WarningOnly(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(context.Background(), &migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{
			balancedTx("2024-01-10", "rent"),
			balancedTx("2024-01-10", "rent"), // same date, total, description
		},
	})
	require.NoError(t, err)
	require.Len(t, findings(res, "duplicate_fingerprint"), 1)
	assert.Equal(t, migration.SeverityWarning, findings(res, "duplicate_fingerprint")[0].Severity)
	assert.True(t, res.Passed(), "warnings alone must not abort the import")
}

// =============================================================================
// FILE ENTRY POINT
// =============================================================================

func TestValidateFile_FailingImport_ReturnsTypedError(t *testing.T) {
	v := newValidator(t)

	file := migration.ImportFile{
		OrgID: org,
		Transactions: []migration.ImportTransaction{{
			Date: "2024-01-10", Description: "bad",
			Postings: []migration.ImportPosting{
				{AccountCode: "1000", Amount: dec("10")},
				{AccountCode: "4000", Amount: dec("-5")},
			},
		}},
	}
	raw, err := json.Marshal(file)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "import.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	res, err := v.ValidateFile(context.Background(), path)
	require.Error(t, err)
	var vErr *migration.ErrValidationFailed
	require.ErrorAs(t, err, &vErr)
	assert.False(t, res.Passed())
}

func TestValidateFile_CleanImport_NoError(t *testing.T) {
	v := newValidator(t)
	file := migration.ImportFile{
		OrgID:        org,
		Transactions: []migration.ImportTransaction{balancedTx("2024-01-10", "ok")},
	}
	raw, _ := json.Marshal(file)
	path := filepath.Join(t.TempDir(), "import.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	res, err := v.ValidateFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, res.Passed())
}
