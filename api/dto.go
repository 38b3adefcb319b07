/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts cross the wire as decimal strings ("120.50"). Clients never
  see or send floats; parsing happens through ledger.ParseMoney which
  rejects sub-cent precision.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/clinic/billing-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// TargetRequest names a charge and an amount to apply to it.
type TargetRequest struct {
	ChargeID string `json:"charge_id"`
	Amount   string `json:"amount"`
}

// CreatePaymentRequest posts a payment. Provide targets for explicit
// allocation, auto_allocate for oldest-first distribution, or neither
// to post the payment fully unapplied.
type CreatePaymentRequest struct {
	PatientID    string          `json:"patient_id"`
	Amount       string          `json:"amount"`
	Method       string          `json:"method"`
	PayerType    string          `json:"payer_type"`
	Targets      []TargetRequest `json:"targets,omitempty"`
	AutoAllocate bool            `json:"auto_allocate,omitempty"`

	ReferenceNumber string     `json:"reference_number,omitempty"`
	CheckNumber     string     `json:"check_number,omitempty"`
	Note            string     `json:"note,omitempty"`
	ReceivedAt      *time.Time `json:"received_at,omitempty"`
	ClaimID         string     `json:"claim_id,omitempty"`
}

// ApplyRequest applies unapplied funds of a payment to charges.
type ApplyRequest struct {
	Targets []TargetRequest `json:"targets"`
}

// VoidRequest voids a payment. Reason is required.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// UpdatePaymentRequest edits payment metadata. Omitted fields are
// left unchanged.
type UpdatePaymentRequest struct {
	ReferenceNumber *string    `json:"reference_number,omitempty"`
	CheckNumber     *string    `json:"check_number,omitempty"`
	Note            *string    `json:"note,omitempty"`
	ReceivedAt      *time.Time `json:"received_at,omitempty"`
	ClaimID         *string    `json:"claim_id,omitempty"`
}

// CreateChargeRequest creates a charge for a patient.
type CreateChargeRequest struct {
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name,omitempty"`
	EncounterID string `json:"encounter_id,omitempty"`
	ServiceDate string `json:"service_date"` // YYYY-MM-DD
	FeePerUnit  string `json:"fee_per_unit"`
	Units       int    `json:"units"`
	Adjustments string `json:"adjustments,omitempty"`
	Status      string `json:"status,omitempty"` // PENDING or BILLED, default BILLED
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID              string          `json:"id"`
	PatientID       string          `json:"patient_id"`
	Amount          string          `json:"amount"`
	Method          string          `json:"method"`
	PayerType       string          `json:"payer_type"`
	UnappliedAmount string          `json:"unapplied_amount"`
	IsVoid          bool            `json:"is_void"`
	VoidReason      string          `json:"void_reason,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	VoidedBy        string          `json:"voided_by,omitempty"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	CheckNumber     string          `json:"check_number,omitempty"`
	Note            string          `json:"note,omitempty"`
	ReceivedAt      *time.Time      `json:"received_at,omitempty"`
	ClaimID         string          `json:"claim_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
	Allocations     []AllocationDTO `json:"allocations"`
}

// AllocationDTO represents one payment-to-charge allocation.
type AllocationDTO struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	ChargeID  string `json:"charge_id"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

// ChargeDTO represents a charge in API responses.
type ChargeDTO struct {
	ID              string `json:"id"`
	PatientID       string `json:"patient_id"`
	EncounterID     string `json:"encounter_id,omitempty"`
	ServiceDate     string `json:"service_date"`
	FeePerUnit      string `json:"fee_per_unit"`
	Units           int    `json:"units"`
	PaymentsApplied string `json:"payments_applied"`
	Adjustments     string `json:"adjustments"`
	Balance         string `json:"balance"`
	Status          string `json:"status"`
}

// PaymentPageDTO is one page of a payment listing.
type PaymentPageDTO struct {
	Payments []PaymentDTO `json:"payments"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// CollectionsDTO summarizes one day's collections.
type CollectionsDTO struct {
	Date        string            `json:"date"`
	Total       string            `json:"total"`
	Count       int               `json:"count"`
	ByMethod    map[string]string `json:"by_method"`
	ByPayerType map[string]string `json:"by_payer_type"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPaymentDTO(p ledger.Payment, allocs []ledger.PaymentAllocation) PaymentDTO {
	dto := PaymentDTO{
		ID:              string(p.ID),
		PatientID:       string(p.PatientID),
		Amount:          p.Amount.String(),
		Method:          string(p.Method),
		PayerType:       string(p.PayerType),
		UnappliedAmount: p.UnappliedAmount.String(),
		IsVoid:          p.IsVoid,
		VoidReason:      p.VoidReason,
		VoidedAt:        p.VoidedAt,
		VoidedBy:        p.VoidedBy,
		ReferenceNumber: p.Metadata.ReferenceNumber,
		CheckNumber:     p.Metadata.CheckNumber,
		Note:            p.Metadata.Note,
		ReceivedAt:      p.Metadata.ReceivedAt,
		ClaimID:         p.ClaimID,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
		Allocations:     make([]AllocationDTO, 0, len(allocs)),
	}
	for _, a := range allocs {
		dto.Allocations = append(dto.Allocations, toAllocationDTO(a))
	}
	return dto
}

func toAllocationDTO(a ledger.PaymentAllocation) AllocationDTO {
	return AllocationDTO{
		ID:        string(a.ID),
		PaymentID: string(a.PaymentID),
		ChargeID:  string(a.ChargeID),
		Amount:    a.Amount.String(),
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func toChargeDTO(c ledger.Charge) ChargeDTO {
	return ChargeDTO{
		ID:              string(c.ID),
		PatientID:       string(c.PatientID),
		EncounterID:     c.EncounterID,
		ServiceDate:     c.ServiceDate.Format("2006-01-02"),
		FeePerUnit:      c.FeePerUnit.String(),
		Units:           c.Units,
		PaymentsApplied: c.PaymentsApplied.String(),
		Adjustments:     c.Adjustments.String(),
		Balance:         c.Balance.String(),
		Status:          string(c.Status),
	}
}

func toChargeDTOs(charges []ledger.Charge) []ChargeDTO {
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c)
	}
	return dtos
}

func parseTargets(reqs []TargetRequest) ([]ledger.AllocationTarget, error) {
	targets := make([]ledger.AllocationTarget, 0, len(reqs))
	for _, t := range reqs {
		amount, err := ledger.ParseMoney(t.Amount)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ledger.AllocationTarget{
			ChargeID: ledger.ChargeID(t.ChargeID),
			Amount:   amount,
		})
	}
	return targets, nil
}
