/*
Package ledger implements the billing ledger: the payment/charge
allocation and reversal engine for a multi-tenant practice-management
system.

PURPOSE:
  Maintains exact, auditable financial balances across concurrent,
  partial, and reversible operations: payment posting, partial and
  automatic allocation, unapply, and full void with guaranteed
  restoration of prior state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Charge: a billable line item with a running balance
  - Payment: a posting of funds with an applied/unapplied split
  - PaymentAllocation: how much of a payment was applied to a charge

CRITICAL INVARIANTS:
  1. Charge.Balance == FeePerUnit*Units - PaymentsApplied - Adjustments
  2. Non-void Payment.Amount == UnappliedAmount + sum(allocations)
  3. A charge is PAID iff its balance <= 0 (and it is not VOID)
  4. An allocation never exists without its charge/payment effect
     already committed alongside it

MUTATION RULES:
  Only the AllocationEngine (engine.go) creates or mutates allocations
  and recomputes Charge.Balance / Payment.UnappliedAmount. Charges are
  created by an external billing collaborator; this package only
  allocates against them. VOID charges and payments are never deleted -
  they are retained for audit.

SEE ALSO:
  - money.go: the fixed-point Money type
  - engine.go: the only writer of these entities
  - store.go: persistence interfaces
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type PatientID string
type ChargeID string
type PaymentID string
type AllocationID string

// =============================================================================
// CHARGE - A billable unit of service
// =============================================================================

type ChargeStatus string

const (
	ChargePending ChargeStatus = "PENDING"
	ChargeBilled  ChargeStatus = "BILLED"
	ChargePaid    ChargeStatus = "PAID"
	ChargeVoid    ChargeStatus = "VOID"
)

// Charge is a billable line item. Its total obligation is
// FeePerUnit*Units - Adjustments; Balance tracks what remains owed.
type Charge struct {
	ID          ChargeID
	TenantID    TenantID
	PatientID   PatientID
	EncounterID string
	ServiceDate time.Time
	FeePerUnit  Money
	Units       int
	// PaymentsApplied accumulates allocation amounts; it never goes negative.
	PaymentsApplied Money
	// Adjustments is signed: write-offs reduce the obligation, reversals add back.
	Adjustments Money
	// Balance is derived; recompute after any mutation via Recompute.
	Balance Money
	Status  ChargeStatus

	// Version supports optimistic concurrency control in the stores.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalFee is FeePerUnit * Units.
func (c *Charge) TotalFee() Money {
	return c.FeePerUnit.MulInt(int64(c.Units))
}

// Obligation is the most that can ever be allocated against this charge:
// TotalFee minus adjustments. Allocations past this point are rejected.
func (c *Charge) Obligation() Money {
	return c.TotalFee().Sub(c.Adjustments)
}

// Recompute re-derives Balance and Status from the stored components.
// When clamp is true a negative balance (overpayment) floors at zero;
// the engine applies one clamp policy uniformly across all operations.
//
// Status transitions: a non-VOID charge becomes PAID exactly when its
// balance drops to or below zero, and reverts to BILLED when a reversal
// makes the balance positive again. A charge is never left PAID with a
// positive balance.
func (c *Charge) Recompute(clamp bool) {
	c.Balance = c.TotalFee().Sub(c.PaymentsApplied).Sub(c.Adjustments)
	if clamp && c.Balance.IsNegative() {
		c.Balance = Zero
	}
	if c.Status == ChargeVoid {
		return
	}
	if !c.Balance.IsPositive() {
		c.Status = ChargePaid
	} else if c.Status == ChargePaid {
		c.Status = ChargeBilled
	}
}

// Open reports whether the charge can still receive allocations.
func (c *Charge) Open() bool {
	return c.Status != ChargeVoid && c.Balance.IsPositive()
}

// =============================================================================
// PAYMENT - A posting of funds
// =============================================================================

type PaymentMethod string

const (
	MethodCash       PaymentMethod = "cash"
	MethodCheck      PaymentMethod = "check"
	MethodCreditCard PaymentMethod = "credit_card"
	MethodACH        PaymentMethod = "ach"
	MethodOther      PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCheck, MethodCreditCard, MethodACH, MethodOther:
		return true
	}
	return false
}

type PayerType string

const (
	PayerPatient   PayerType = "patient"
	PayerInsurance PayerType = "insurance"
	PayerOther     PayerType = "other"
)

func (p PayerType) Valid() bool {
	switch p {
	case PayerPatient, PayerInsurance, PayerOther:
		return true
	}
	return false
}

// PaymentMetadata carries reference details that may be edited until
// the payment is voided. None of it participates in balance math.
type PaymentMetadata struct {
	ReferenceNumber string
	CheckNumber     string
	Note            string
	ReceivedAt      *time.Time
}

// Payment is a posting of funds. Amount is fixed at creation;
// UnappliedAmount shrinks as funds are applied to charges and grows
// back when allocations are unapplied.
type Payment struct {
	ID        PaymentID
	TenantID  TenantID
	PatientID PatientID
	Amount    Money
	Method    PaymentMethod
	PayerType PayerType

	UnappliedAmount Money

	IsVoid     bool
	VoidReason string
	VoidedAt   *time.Time
	VoidedBy   string

	Metadata PaymentMetadata
	// ClaimID links an insurance payment to its claim, when known.
	ClaimID string

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PAYMENT ALLOCATION - Join entity between Payment and Charge
// =============================================================================

// PaymentAllocation records how much of a payment was applied to a
// specific charge. Allocations are hard-deleted by unapply/void; the
// delete and the reversal of its charge/payment effect always commit
// together.
type PaymentAllocation struct {
	ID        AllocationID
	TenantID  TenantID
	PaymentID PaymentID
	ChargeID  ChargeID
	Amount    Money
	CreatedAt time.Time
}

// =============================================================================
// AUDIT - One entry per mutating engine operation
// =============================================================================

type AuditAction string

const (
	AuditPaymentCreated   AuditAction = "payment_created"
	AuditPaymentUpdated   AuditAction = "payment_updated"
	AuditPaymentVoided    AuditAction = "payment_voided"
	AuditPaymentApplied   AuditAction = "payment_applied"
	AuditPaymentUnapplied AuditAction = "payment_unapplied"
)

// AuditEntry is what the engine hands to the audit sink after every
// committed mutation.
type AuditEntry struct {
	Action        AuditAction
	EntityID      string
	ChangeSummary string
	ActorID       string
	TenantID      TenantID
	At            time.Time
}
