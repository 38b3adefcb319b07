/*
engine.go - The allocation engine

PURPOSE:
  The AllocationEngine is the ONLY component allowed to create or
  mutate PaymentAllocation rows and to recompute Charge.Balance and
  Payment.UnappliedAmount. Every operation runs its entire
  read-validate-write sequence inside one store transaction: it either
  commits in full or leaves no trace.

OPERATIONS:
  CreatePayment          post funds; allocate explicitly, automatically
                         (oldest charge first), or not at all
  ApplyToCharges         apply previously-unapplied funds to charges
  UnapplyFromCharge      reverse exactly one allocation
  VoidPayment            reverse a payment's entire effect and lock it
  UpdatePaymentMetadata  edit reference details pre-void

VALIDATE-ALL-THEN-WRITE:
  Multi-target operations validate every target before mutating
  anything. One bad target aborts the whole operation; no partial
  allocation, balance change, or payment row survives.

REVERSAL SYMMETRY:
  Unapply is the exact algebraic inverse of apply. Re-applying an
  identical allocation after unapplying it reproduces the prior state
  bit-for-bit. Void is N unapplies plus a permanent lock.

CONCURRENCY:
  Charges and payments carry a version; stores reject stale writes with
  a ConflictError. Two operations racing on the same charge cannot both
  commit against the same balance snapshot - the loser fails fast with
  a retryable error instead of over-committing the charge.

CLAMP POLICY:
  Options.ClampBalance decides whether an overpaid charge shows a
  negative balance (a patient credit) or floors at zero. Whichever
  policy is chosen applies uniformly to create, apply, unapply, and
  void - recompute has exactly one call site per mutation path.

SEE ALSO:
  - store.go: the transactional boundary this engine runs inside
  - query.go: read-only projections over the same stores
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

// Options configures engine behavior.
type Options struct {
	// ClampBalance floors recomputed charge balances at zero instead of
	// representing overpayment as a negative balance. Applied uniformly
	// across all operations.
	ClampBalance bool
}

// AllocationEngine owns all ledger invariants. Construct with NewEngine.
type AllocationEngine struct {
	store TxStore
	audit AuditLog
	opts  Options

	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine over the given transactional store.
// A nil audit log discards entries.
func NewEngine(store TxStore, audit AuditLog, opts Options) *AllocationEngine {
	if audit == nil {
		audit = NopAuditLog{}
	}
	return &AllocationEngine{
		store: store,
		audit: audit,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// ClampBalance reports the configured balance policy so collaborators
// creating charges recompute with the same policy the engine uses.
func (e *AllocationEngine) ClampBalance() bool {
	return e.opts.ClampBalance
}

// PaymentWithAllocations is the result shape for operations and queries
// that return a payment together with its allocation set.
type PaymentWithAllocations struct {
	Payment     Payment
	Allocations []PaymentAllocation
}

// =============================================================================
// CREATE PAYMENT
// =============================================================================

// AllocationTarget names a charge and the amount to apply to it.
type AllocationTarget struct {
	ChargeID ChargeID
	Amount   Money
}

// CreatePaymentInput describes a payment posting. Targets and
// AutoAllocate are mutually exclusive; with neither, the payment posts
// entirely unapplied.
type CreatePaymentInput struct {
	PatientID    PatientID
	Amount       Money
	Method       PaymentMethod
	PayerType    PayerType
	Metadata     PaymentMetadata
	ClaimID      string
	Targets      []AllocationTarget
	AutoAllocate bool
}

// CreatePayment posts a payment and optionally allocates it, all in one
// transaction. Any single failing target aborts the entire create.
func (e *AllocationEngine) CreatePayment(ctx context.Context, tenantID TenantID, actorID string, in CreatePaymentInput) (*PaymentWithAllocations, error) {
	if !in.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !in.Method.Valid() {
		return nil, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown method %q", in.Method)}
	}
	if !in.PayerType.Valid() {
		return nil, &ValidationError{Field: "payer_type", Reason: fmt.Sprintf("unknown payer type %q", in.PayerType)}
	}
	if len(in.Targets) > 0 && in.AutoAllocate {
		return nil, &ValidationError{Field: "targets", Reason: "explicit targets and auto-allocate are mutually exclusive"}
	}

	var result *PaymentWithAllocations
	err := e.store.WithTx(ctx, func(s Store) error {
		ok, err := s.PatientExists(ctx, tenantID, in.PatientID)
		if err != nil {
			return err
		}
		if !ok {
			return &NotFoundError{Kind: "patient", ID: string(in.PatientID)}
		}

		var targets []AllocationTarget
		switch {
		case len(in.Targets) > 0:
			targets, err = e.validateTargets(ctx, s, tenantID, in.Targets)
		case in.AutoAllocate:
			targets, err = e.planAutoAllocation(ctx, s, tenantID, in.PatientID, in.Amount)
		}
		if err != nil {
			return err
		}

		allocated := SumMoney(targetAmounts(targets))
		if allocated.GreaterThan(in.Amount) {
			return &ValidationError{Field: "targets", Reason: fmt.Sprintf(
				"allocation total %s exceeds payment amount %s", allocated, in.Amount)}
		}

		now := e.now()
		payment := Payment{
			ID:              PaymentID(e.newID()),
			TenantID:        tenantID,
			PatientID:       in.PatientID,
			Amount:          in.Amount,
			Method:          in.Method,
			PayerType:       in.PayerType,
			UnappliedAmount: in.Amount.Sub(allocated),
			Metadata:        in.Metadata,
			ClaimID:         in.ClaimID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.InsertPayment(ctx, payment); err != nil {
			return err
		}

		allocations, err := e.allocate(ctx, s, tenantID, payment.ID, targets, now)
		if err != nil {
			return err
		}

		result = &PaymentWithAllocations{Payment: payment, Allocations: allocations}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.auditAppend(ctx, AuditEntry{
		Action:        AuditPaymentCreated,
		EntityID:      string(result.Payment.ID),
		ChangeSummary: fmt.Sprintf("posted %s (%d allocations, %s unapplied)", in.Amount, len(result.Allocations), result.Payment.UnappliedAmount),
		ActorID:       actorID,
		TenantID:      tenantID,
		At:            e.now(),
	})
	return result, nil
}

// validateTargets checks every explicit target against its charge
// before anything is written. Multiple targets may name the same
// charge; the cumulative amount is checked against the balance.
func (e *AllocationEngine) validateTargets(ctx context.Context, s Store, tenantID TenantID, targets []AllocationTarget) ([]AllocationTarget, error) {
	requested := make(map[ChargeID]Money)
	for _, t := range targets {
		if !t.Amount.IsPositive() {
			return nil, &ValidationError{Field: "targets", Reason: fmt.Sprintf("allocation for charge %s must be positive", t.ChargeID)}
		}
		charge, err := s.GetCharge(ctx, tenantID, t.ChargeID)
		if err != nil {
			return nil, err
		}
		if charge == nil {
			return nil, &NotFoundError{Kind: "charge", ID: string(t.ChargeID)}
		}
		if charge.Status == ChargeVoid {
			return nil, &InvalidStateError{Kind: "charge", ID: string(t.ChargeID), State: "void"}
		}
		cumulative := requested[t.ChargeID].Add(t.Amount)
		if cumulative.GreaterThan(charge.Balance) {
			return nil, &OverAllocationError{ChargeID: t.ChargeID, Requested: cumulative, Available: charge.Balance}
		}
		requested[t.ChargeID] = cumulative
	}
	return targets, nil
}

// planAutoAllocation distributes the payment across the patient's open
// charges oldest-first. Reads happen inside the same transaction as the
// subsequent writes, so the snapshot cannot go stale.
func (e *AllocationEngine) planAutoAllocation(ctx context.Context, s Store, tenantID TenantID, patientID PatientID, amount Money) ([]AllocationTarget, error) {
	charges, err := s.OpenCharges(ctx, tenantID, patientID)
	if err != nil {
		return nil, err
	}

	remaining := amount
	var targets []AllocationTarget
	for _, c := range charges {
		if !remaining.IsPositive() {
			break
		}
		take := remaining.Min(c.Balance)
		targets = append(targets, AllocationTarget{ChargeID: c.ID, Amount: take})
		remaining = remaining.Sub(take)
	}
	return targets, nil
}

// allocate writes one allocation row per target and applies the effect
// to each charge. Targets must already be validated.
func (e *AllocationEngine) allocate(ctx context.Context, s Store, tenantID TenantID, paymentID PaymentID, targets []AllocationTarget, now time.Time) ([]PaymentAllocation, error) {
	var allocations []PaymentAllocation
	for _, t := range targets {
		charge, err := s.GetCharge(ctx, tenantID, t.ChargeID)
		if err != nil {
			return nil, err
		}
		if charge == nil {
			return nil, &NotFoundError{Kind: "charge", ID: string(t.ChargeID)}
		}

		alloc := PaymentAllocation{
			ID:        AllocationID(e.newID()),
			TenantID:  tenantID,
			PaymentID: paymentID,
			ChargeID:  t.ChargeID,
			Amount:    t.Amount,
			CreatedAt: now,
		}
		if err := s.InsertAllocation(ctx, alloc); err != nil {
			return nil, err
		}

		charge.PaymentsApplied = charge.PaymentsApplied.Add(t.Amount)
		charge.Recompute(e.opts.ClampBalance)
		charge.UpdatedAt = now
		if err := s.UpdateCharge(ctx, charge); err != nil {
			return nil, err
		}

		allocations = append(allocations, alloc)
	}
	return allocations, nil
}

// =============================================================================
// APPLY TO CHARGES
// =============================================================================

// ApplyToCharges applies previously-unapplied funds of an existing,
// non-void payment to the named charges. All targets are validated
// before any write.
func (e *AllocationEngine) ApplyToCharges(ctx context.Context, tenantID TenantID, actorID string, paymentID PaymentID, targets []AllocationTarget) (*PaymentWithAllocations, error) {
	if len(targets) == 0 {
		return nil, &ValidationError{Field: "targets", Reason: "at least one target required"}
	}

	var result *PaymentWithAllocations
	err := e.store.WithTx(ctx, func(s Store) error {
		payment, err := s.GetPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return &NotFoundError{Kind: "payment", ID: string(paymentID)}
		}
		if payment.IsVoid {
			return &InvalidStateError{Kind: "payment", ID: string(paymentID), State: "voided"}
		}

		validated, err := e.validateTargets(ctx, s, tenantID, targets)
		if err != nil {
			return err
		}
		total := SumMoney(targetAmounts(validated))
		if total.GreaterThan(payment.UnappliedAmount) {
			return &UnappliedExceededError{PaymentID: paymentID, Requested: total, Unapplied: payment.UnappliedAmount}
		}

		now := e.now()
		if _, err := e.allocate(ctx, s, tenantID, paymentID, validated, now); err != nil {
			return err
		}

		payment.UnappliedAmount = payment.UnappliedAmount.Sub(total)
		payment.UpdatedAt = now
		if err := s.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		all, err := s.AllocationsForPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		result = &PaymentWithAllocations{Payment: *payment, Allocations: all}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.auditAppend(ctx, AuditEntry{
		Action:        AuditPaymentApplied,
		EntityID:      string(paymentID),
		ChangeSummary: fmt.Sprintf("applied %s across %d charges", SumMoney(targetAmounts(targets)), len(targets)),
		ActorID:       actorID,
		TenantID:      tenantID,
		At:            e.now(),
	})
	return result, nil
}

// =============================================================================
// UNAPPLY FROM CHARGE
// =============================================================================

// UnapplyFromCharge reverses exactly one allocation: the charge gives
// the amount back, the payment's unapplied pool regains it, and the
// allocation row is deleted - atomically.
func (e *AllocationEngine) UnapplyFromCharge(ctx context.Context, tenantID TenantID, actorID string, allocationID AllocationID) error {
	var reversed Money
	err := e.store.WithTx(ctx, func(s Store) error {
		alloc, err := s.GetAllocation(ctx, tenantID, allocationID)
		if err != nil {
			return err
		}
		if alloc == nil {
			return &NotFoundError{Kind: "allocation", ID: string(allocationID)}
		}

		payment, err := s.GetPayment(ctx, tenantID, alloc.PaymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return &NotFoundError{Kind: "payment", ID: string(alloc.PaymentID)}
		}
		if payment.IsVoid {
			return &InvalidStateError{Kind: "payment", ID: string(payment.ID), State: "voided"}
		}

		now := e.now()
		if err := e.reverseAllocation(ctx, s, tenantID, *alloc, now); err != nil {
			return err
		}

		payment.UnappliedAmount = payment.UnappliedAmount.Add(alloc.Amount)
		payment.UpdatedAt = now
		if err := s.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		reversed = alloc.Amount
		return nil
	})
	if err != nil {
		return err
	}

	e.auditAppend(ctx, AuditEntry{
		Action:        AuditPaymentUnapplied,
		EntityID:      string(allocationID),
		ChangeSummary: fmt.Sprintf("unapplied %s", reversed),
		ActorID:       actorID,
		TenantID:      tenantID,
		At:            e.now(),
	})
	return nil
}

// reverseAllocation applies the exact algebraic inverse of an
// allocation to its charge and deletes the allocation row. Shared by
// unapply and void so the reversal arithmetic cannot diverge.
func (e *AllocationEngine) reverseAllocation(ctx context.Context, s Store, tenantID TenantID, alloc PaymentAllocation, now time.Time) error {
	charge, err := s.GetCharge(ctx, tenantID, alloc.ChargeID)
	if err != nil {
		return err
	}
	if charge == nil {
		return &NotFoundError{Kind: "charge", ID: string(alloc.ChargeID)}
	}

	charge.PaymentsApplied = charge.PaymentsApplied.Sub(alloc.Amount)
	charge.Recompute(e.opts.ClampBalance)
	charge.UpdatedAt = now
	if err := s.UpdateCharge(ctx, charge); err != nil {
		return err
	}

	return s.DeleteAllocation(ctx, tenantID, alloc.ID)
}

// =============================================================================
// VOID PAYMENT
// =============================================================================

// VoidPayment reverses the payment's entire effect - every allocation
// is unwound, every touched charge restored - and permanently locks the
// payment. Everything happens in a single transaction; a failure
// partway leaves the pre-void state entirely intact.
func (e *AllocationEngine) VoidPayment(ctx context.Context, tenantID TenantID, actorID string, paymentID PaymentID, reason string) error {
	if reason == "" {
		return &ValidationError{Field: "reason", Reason: "required"}
	}

	var reversedCount int
	err := e.store.WithTx(ctx, func(s Store) error {
		payment, err := s.GetPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return &NotFoundError{Kind: "payment", ID: string(paymentID)}
		}
		if payment.IsVoid {
			return &InvalidStateError{Kind: "payment", ID: string(paymentID), State: "voided"}
		}

		allocations, err := s.AllocationsForPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}

		now := e.now()
		for _, alloc := range allocations {
			if err := e.reverseAllocation(ctx, s, tenantID, alloc, now); err != nil {
				return err
			}
		}

		payment.IsVoid = true
		payment.VoidReason = reason
		payment.VoidedAt = &now
		payment.VoidedBy = actorID
		payment.UnappliedAmount = Zero
		payment.UpdatedAt = now
		if err := s.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		reversedCount = len(allocations)
		return nil
	})
	if err != nil {
		return err
	}

	e.auditAppend(ctx, AuditEntry{
		Action:        AuditPaymentVoided,
		EntityID:      string(paymentID),
		ChangeSummary: fmt.Sprintf("voided (%d allocations reversed): %s", reversedCount, reason),
		ActorID:       actorID,
		TenantID:      tenantID,
		At:            e.now(),
	})
	return nil
}

// =============================================================================
// UPDATE PAYMENT METADATA
// =============================================================================

// MetadataPatch carries optional metadata edits. Nil fields are left
// unchanged.
type MetadataPatch struct {
	ReferenceNumber *string
	CheckNumber     *string
	Note            *string
	ReceivedAt      *time.Time
	ClaimID         *string
}

// UpdatePaymentMetadata edits a payment's reference details. Rejected
// once the payment is void; balance fields are untouchable here.
func (e *AllocationEngine) UpdatePaymentMetadata(ctx context.Context, tenantID TenantID, actorID string, paymentID PaymentID, patch MetadataPatch) (*Payment, error) {
	var updated *Payment
	err := e.store.WithTx(ctx, func(s Store) error {
		payment, err := s.GetPayment(ctx, tenantID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return &NotFoundError{Kind: "payment", ID: string(paymentID)}
		}
		if payment.IsVoid {
			return &InvalidStateError{Kind: "payment", ID: string(paymentID), State: "voided"}
		}

		if patch.ReferenceNumber != nil {
			payment.Metadata.ReferenceNumber = *patch.ReferenceNumber
		}
		if patch.CheckNumber != nil {
			payment.Metadata.CheckNumber = *patch.CheckNumber
		}
		if patch.Note != nil {
			payment.Metadata.Note = *patch.Note
		}
		if patch.ReceivedAt != nil {
			payment.Metadata.ReceivedAt = patch.ReceivedAt
		}
		if patch.ClaimID != nil {
			payment.ClaimID = *patch.ClaimID
		}

		payment.UpdatedAt = e.now()
		if err := s.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		updated = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.auditAppend(ctx, AuditEntry{
		Action:        AuditPaymentUpdated,
		EntityID:      string(paymentID),
		ChangeSummary: "metadata updated",
		ActorID:       actorID,
		TenantID:      tenantID,
		At:            e.now(),
	})
	return updated, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func targetAmounts(targets []AllocationTarget) []Money {
	amounts := make([]Money, len(targets))
	for i, t := range targets {
		amounts[i] = t.Amount
	}
	return amounts
}

// auditAppend is best-effort: the financial operation has already
// committed, so a failing sink is logged, not surfaced.
func (e *AllocationEngine) auditAppend(ctx context.Context, entry AuditEntry) {
	if err := e.audit.Append(ctx, entry); err != nil {
		log.Printf("audit append failed for %s %s: %v", entry.Action, entry.EntityID, err)
	}
}

// WithRetry re-runs op while it fails with a retryable error, up to
// attempts total runs. Only ConcurrencyConflict qualifies: the whole
// operation is replayed, never partial steps.
func WithRetry(attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}
