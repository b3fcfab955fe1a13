/*
Package sagas is the catalog of concrete workflows: owner distributions,
security-deposit lifecycle, corrections, NSF handling, and period close.

PURPOSE:

	Each saga implements saga.Executor: a declared step order, forward
	logic per step, and compensation per completed step. Steps call the
	ledger and compliance services and emit domain events; durability and
	retry come from the saga engine and outbox underneath.

KEY CONCEPTS IN THIS FILE (types.go):
  - Owner, Distribution, NachaFile, SecurityDeposit: domain rows the
    workflows create and transition
  - Store: the persistence surface the catalog needs beyond the ledger
  - ChartRef: the well-known account codes workflows post against

SEE ALSO:
  - distribution.go, securitydeposit.go, correction.go, nsf.go,
    periodclose.go: the workflows
*/
package sagas

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/saga"
)

// =============================================================================
// ERRORS - saga preconditions
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a distribution would draw the
	// trust account below its obligations.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrExceedsStateMax is returned when a deposit exceeds the state cap.
	ErrExceedsStateMax = errors.New("amount exceeds state maximum")

	// ErrNoEligibleOwners is returned when no owner clears the minimum
	// reserve.
	ErrNoEligibleOwners = errors.New("no eligible owners")

	// ErrDepositNotHeld is returned when returning a deposit that is not
	// in held status.
	ErrDepositNotHeld = errors.New("security deposit is not held")
)

// =============================================================================
// DOMAIN ROWS
// =============================================================================

type PaymentMethod string

const (
	PayACH   PaymentMethod = "ach"
	PayCheck PaymentMethod = "check"
)

// Owner is a property owner eligible for distributions.
type Owner struct {
	ID             string
	OrgID          string
	Name           string
	PaymentMethod  PaymentMethod
	BankRouting    string
	BankAccount    string
	MinimumReserve decimal.Decimal
	CreatedAt      time.Time
}

type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionProcessed DistributionStatus = "processed"
)

// Distribution is one owner's payout within a distribution saga run.
// Compensation deletes the row.
type Distribution struct {
	ID          string
	OrgID       string
	SagaID      string
	OwnerID     string
	Amount      decimal.Decimal
	Status      DistributionStatus
	EntryID     string
	NachaFileID string
	CreatedAt   time.Time
}

type NachaFileStatus string

const (
	NachaGenerated NachaFileStatus = "generated"
	NachaSubmitted NachaFileStatus = "submitted"
	NachaCancelled NachaFileStatus = "cancelled"
)

// NachaFile is a generated ACH batch file.
type NachaFile struct {
	ID         string
	OrgID      string
	Content    string
	Status     NachaFileStatus
	TotalCents int64
	EntryCount int
	CreatedAt  time.Time
}

type DepositStatus string

const (
	DepositHeld      DepositStatus = "held"
	DepositReturned  DepositStatus = "returned"
	DepositForfeited DepositStatus = "forfeited"
)

// SecurityDeposit tracks one tenant's held deposit.
type SecurityDeposit struct {
	ID          string
	OrgID       string
	TenantID    string
	PropertyID  string
	UnitID      string
	StateCode   string
	Amount      decimal.Decimal
	CollectedAt time.Time
	MoveOut     *time.Time
	Status      DepositStatus
	EntryID     string
	CreatedAt   time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence surface of the saga catalog.
type Store interface {
	ListOwners(ctx context.Context, org string) ([]Owner, error)
	GetOwner(ctx context.Context, org, id string) (*Owner, error)
	CreateOwner(ctx context.Context, o Owner) error

	CreateDistribution(ctx context.Context, d Distribution) error
	ListDistributionsBySaga(ctx context.Context, sagaID string) ([]Distribution, error)
	UpdateDistribution(ctx context.Context, d Distribution) error
	DeleteDistribution(ctx context.Context, id string) error

	InsertNachaFile(ctx context.Context, f NachaFile) error
	GetNachaFile(ctx context.Context, org, id string) (*NachaFile, error)
	UpdateNachaFileStatus(ctx context.Context, org, id string, status NachaFileStatus) error

	CreateSecurityDeposit(ctx context.Context, d SecurityDeposit) error
	GetSecurityDeposit(ctx context.Context, org, id string) (*SecurityDeposit, error)
	UpdateSecurityDeposit(ctx context.Context, d SecurityDeposit) error
	DeleteSecurityDeposit(ctx context.Context, id string) error

	// NextCheckNumber atomically reserves the org's next check number.
	NextCheckNumber(ctx context.Context, org string) (int64, error)
}

// =============================================================================
// SERVICES BUNDLE
// =============================================================================

// Services is the dependency set shared by every workflow in the catalog.
type Services struct {
	Ledger     *ledger.Service
	Compliance *compliance.Service
	Periods    *period.Manager
	Canary     *diagnostics.Canary
	Outbox     *outbox.Outbox
	Engine     *saga.Engine
	Store      Store

	// Chart holds the well-known account ids the workflows post against.
	Chart ChartRef
}

// ChartRef names the accounts the catalog needs. Populated at startup
// from the org's chart of accounts by account code (EnsureChart).
type ChartRef struct {
	TrustBank          ledger.AccountID
	OwnerLiability     ledger.AccountID
	SecurityDeposit    ledger.AccountID
	OutstandingChecks  ledger.AccountID
	AccountsReceivable ledger.AccountID
	RentalIncome       ledger.AccountID
	LateFeeIncome      ledger.AccountID
	InterestExpense    ledger.AccountID
	BadDebtExpense     ledger.AccountID
	NSFFeeIncome       ledger.AccountID
}

// RegisterAll installs every catalog executor on the engine.
func RegisterAll(svc *Services) {
	svc.Engine.RegisterExecutor(NewDistributionSaga(svc))
	svc.Engine.RegisterExecutor(NewDepositCollectSaga(svc))
	svc.Engine.RegisterExecutor(NewDepositReturnSaga(svc))
	svc.Engine.RegisterExecutor(NewNSFSaga(svc))
	svc.Engine.RegisterExecutor(NewPeriodCloseSaga(svc))
}
