/*
events.go - Event catalog and the outbox row type

PURPOSE:

	Every event type the core emits, plus the persistent Event row. The
	handler registry in worker.go dispatches on these constants; the set is
	closed, so handlers can be exhaustive.

PAYLOAD CONTRACT:

	Payloads are JSON objects. Every payload carries trace_id; saga-emitted
	events add saga_id. Handlers own exactly-once semantics via idempotency
	keys - the outbox only guarantees at-least-once delivery.
*/
package outbox

import (
	"encoding/json"
	"time"
)

// =============================================================================
// EVENT TYPES - closed set
// =============================================================================

const (
	EventPaymentReceived         = "payment.received"
	EventPaymentFailed           = "payment.failed"
	EventPaymentNSF              = "payment.nsf"
	EventInvoiceCreated          = "invoice.created"
	EventInvoicePaid             = "invoice.paid"
	EventLeaseRenewed            = "lease.renewed"
	EventLeaseTerminated         = "lease.terminated"
	EventDistributionScheduled   = "distribution.scheduled"
	EventDistributionCompleted   = "distribution.completed"
	EventDistributionCompensated = "distribution.compensation.completed"
	EventLateFeeAssessed         = "late_fee.assessed"
	EventJournalPosted           = "journal.posted"
	EventPeriodClosed            = "period.closed"
	EventDepositCollected        = "security_deposit.collected"
	EventDepositReturned         = "security_deposit.returned"
	EventSagaStepReady           = "saga.step.ready"
	EventNachaSubmit             = "bank.nacha.submit"
	EventNachaCancel             = "bank.nacha.cancel"
	EventCheckPrintQueue         = "check.print.queue"
	EventDepositSweep            = "sweep.security_deposit"
	EventNotificationSend        = "notification.send"
	EventVendorW9Updated         = "vendor.w9.updated"
)

// =============================================================================
// EVENT STATE MACHINE
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// =============================================================================
// EVENT ROW
// =============================================================================

// Event is one durable outbox row. Written in the same database
// transaction as the domain change it announces.
type Event struct {
	ID            string
	OrgID         string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	MaxAttempts   int
	LastError     string
	TraceID       string
	SagaID        string
	CorrelationID string
	CausationID   string
	CreatedAt     time.Time
	ScheduledFor  time.Time
	LockedUntil   *time.Time
	LockedBy      string
	ProcessedAt   *time.Time
	ReprocessedAs string
}

// Terminal reports whether the event reached a terminal status.
func (e Event) Terminal() bool {
	return e.Status == StatusProcessed || e.Status == StatusDeadLetter
}
