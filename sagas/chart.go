/*
chart.go - Well-known chart-of-accounts bootstrap

PURPOSE:

	The catalog posts against a fixed set of roles (trust cash, owner
	liability, deposit liability, receivables, incomes, expenses).
	EnsureChart creates any missing account by code and returns the
	resolved ChartRef. Idempotent; runs at startup and in tests.
*/
package sagas

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/propmaster/ledger-engine/ledger"
)

type chartSpec struct {
	code    string
	name    string
	typ     ledger.AccountType
	normal  ledger.NormalBalance
	subtype ledger.AccountSubtype
	target  func(*ChartRef) *ledger.AccountID
}

var defaultChart = []chartSpec{
	{"1000", "Trust Bank", ledger.AccountAsset, ledger.NormalDebit, ledger.SubtypeTrustBank,
		func(c *ChartRef) *ledger.AccountID { return &c.TrustBank }},
	{"1050", "Accounts Receivable", ledger.AccountAsset, ledger.NormalDebit, ledger.SubtypeAccountsReceivable,
		func(c *ChartRef) *ledger.AccountID { return &c.AccountsReceivable }},
	{"2000", "Owner Liability", ledger.AccountLiability, ledger.NormalCredit, ledger.SubtypeOwnerLiability,
		func(c *ChartRef) *ledger.AccountID { return &c.OwnerLiability }},
	{"2100", "Security Deposit Liability", ledger.AccountLiability, ledger.NormalCredit, ledger.SubtypeSecurityDeposit,
		func(c *ChartRef) *ledger.AccountID { return &c.SecurityDeposit }},
	{"2200", "Outstanding Checks", ledger.AccountLiability, ledger.NormalCredit, ledger.SubtypeOutstandingChecks,
		func(c *ChartRef) *ledger.AccountID { return &c.OutstandingChecks }},
	{"4000", "Rental Income", ledger.AccountRevenue, ledger.NormalCredit, "",
		func(c *ChartRef) *ledger.AccountID { return &c.RentalIncome }},
	{"4100", "Late Fee Income", ledger.AccountRevenue, ledger.NormalCredit, "",
		func(c *ChartRef) *ledger.AccountID { return &c.LateFeeIncome }},
	{"4200", "NSF Fee Income", ledger.AccountRevenue, ledger.NormalCredit, "",
		func(c *ChartRef) *ledger.AccountID { return &c.NSFFeeIncome }},
	{"6100", "Deposit Interest Expense", ledger.AccountExpense, ledger.NormalDebit, "",
		func(c *ChartRef) *ledger.AccountID { return &c.InterestExpense }},
	{"6900", "Bad Debt Expense", ledger.AccountExpense, ledger.NormalDebit, ledger.SubtypeBadDebt,
		func(c *ChartRef) *ledger.AccountID { return &c.BadDebtExpense }},
}

// EnsureChart resolves (creating if absent) the well-known accounts for
// the org and returns their ids.
func EnsureChart(ctx context.Context, store ledger.Store, org ledger.OrgID) (ChartRef, error) {
	var chart ChartRef
	for _, spec := range defaultChart {
		a, err := store.GetAccountByCode(ctx, org, spec.code)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			a = &ledger.Account{
				ID:            ledger.AccountID(uuid.NewString()),
				OrgID:         org,
				Code:          spec.code,
				Name:          spec.name,
				Type:          spec.typ,
				NormalBalance: spec.normal,
				Subtype:       spec.subtype,
				CreatedAt:     time.Now().UTC(),
			}
			if cerr := store.CreateAccount(ctx, *a); cerr != nil {
				return chart, cerr
			}
		} else if err != nil {
			return chart, err
		}
		*spec.target(&chart) = a.ID
	}
	return chart, nil
}
