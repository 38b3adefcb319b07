/*
handlers.go - HTTP API handlers for the billing ledger

PURPOSE:
  Exposes the allocation engine and query service via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain
  logic.

ENDPOINTS:
  Payments:
    POST   /api/payments                List/create payments
    GET    /api/payments                List payments (filterable)
    GET    /api/payments/recent         Most recent payments
    GET    /api/payments/{id}           Get one payment with allocations
    PATCH  /api/payments/{id}           Edit payment metadata
    POST   /api/payments/{id}/void      Void a payment (full reversal)
    POST   /api/payments/{id}/apply     Apply unapplied funds to charges

  Allocations:
    DELETE /api/allocations/{id}        Unapply one allocation

  Charges:
    POST   /api/charges                 Create a charge
    GET    /api/patients/{id}/charges   Charges for a patient

  Reporting:
    GET    /api/collections/daily       Daily collections summary

TENANCY:
  Every request must carry an X-Tenant-ID header. X-Actor-ID is
  optional and defaults to "system"; it feeds the audit trail.

ERROR MAPPING:
  not found            -> 404
  validation           -> 400
  invalid state        -> 409
  concurrency conflict -> 409 with retryable=true

SEE ALSO:
  - server.go: Routing
  - dto.go: Request/response types
  - ledger/engine.go: Domain logic
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinic/billing-engine/ledger"
)

// Backend is the storage surface the API needs beyond the engine:
// transactional access for charge creation plus patient registration.
type Backend interface {
	ledger.TxStore
	SavePatient(ctx context.Context, tenantID ledger.TenantID, id ledger.PatientID, name string) error
}

// Handler holds the dependencies for all API endpoints.
type Handler struct {
	Engine  *ledger.AllocationEngine
	Query   *ledger.QueryService
	Backend Backend
}

// NewHandler creates a handler wired to the given engine, query
// service and backend store.
func NewHandler(engine *ledger.AllocationEngine, query *ledger.QueryService, backend Backend) *Handler {
	return &Handler{Engine: engine, Query: query, Backend: backend}
}

// =============================================================================
// REQUEST CONTEXT HELPERS
// =============================================================================

func tenantFrom(r *http.Request) (ledger.TenantID, bool) {
	t := r.Header.Get("X-Tenant-ID")
	return ledger.TenantID(t), t != ""
}

func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Actor-ID"); a != "" {
		return a
	}
	return "system"
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError translates domain errors into HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, ledger.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	case errors.Is(err, ledger.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict", Retryable: true})
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment handles POST /api/payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var req CreatePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}
	targets, err := parseTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, "targets: "+err.Error())
		return
	}

	in := ledger.CreatePaymentInput{
		PatientID: ledger.PatientID(req.PatientID),
		Amount:    amount,
		Method:    ledger.PaymentMethod(req.Method),
		PayerType: ledger.PayerType(req.PayerType),
		Metadata: ledger.PaymentMetadata{
			ReferenceNumber: req.ReferenceNumber,
			CheckNumber:     req.CheckNumber,
			Note:            req.Note,
			ReceivedAt:      req.ReceivedAt,
		},
		ClaimID:      req.ClaimID,
		Targets:      targets,
		AutoAllocate: req.AutoAllocate,
	}

	result, err := h.Engine.CreatePayment(r.Context(), tenant, actorFrom(r), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(result.Payment, result.Allocations))
}

// ListPayments handles GET /api/payments with optional filters:
// patient_id, method, payer_type, from, to (RFC3339), include_void,
// limit, offset.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	q := r.URL.Query()
	filter := ledger.PaymentFilter{
		PatientID:   ledger.PatientID(q.Get("patient_id")),
		Method:      ledger.PaymentMethod(q.Get("method")),
		PayerType:   ledger.PayerType(q.Get("payer_type")),
		IncludeVoid: q.Get("include_void") == "true",
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from: must be RFC3339")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to: must be RFC3339")
			return
		}
		filter.To = &t
	}
	page := ledger.Page{
		Limit:  atoiDefault(q.Get("limit"), 0),
		Offset: atoiDefault(q.Get("offset"), 0),
	}

	result, err := h.Query.ListPayments(r.Context(), tenant, filter, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := PaymentPageDTO{
		Payments: make([]PaymentDTO, 0, len(result.Payments)),
		Total:    result.Total,
		Limit:    result.Limit,
		Offset:   result.Offset,
	}
	for _, p := range result.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p.Payment, p.Allocations))
	}
	writeJSON(w, http.StatusOK, dto)
}

// RecentPayments handles GET /api/payments/recent?limit=N.
func (h *Handler) RecentPayments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	limit := atoiDefault(r.URL.Query().Get("limit"), 0)
	payments, err := h.Query.RecentPayments(r.Context(), tenant, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, toPaymentDTO(p, nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPayment handles GET /api/payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	id := ledger.PaymentID(chi.URLParam(r, "id"))
	result, err := h.Query.GetPayment(r.Context(), tenant, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(result.Payment, result.Allocations))
}

// UpdatePayment handles PATCH /api/payments/{id}.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var req UpdatePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := ledger.MetadataPatch{
		ReferenceNumber: req.ReferenceNumber,
		CheckNumber:     req.CheckNumber,
		Note:            req.Note,
		ReceivedAt:      req.ReceivedAt,
		ClaimID:         req.ClaimID,
	}
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	payment, err := h.Engine.UpdatePaymentMetadata(r.Context(), tenant, actorFrom(r), id, patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	allocs, err := h.Backend.AllocationsForPayment(r.Context(), tenant, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*payment, allocs))
}

// VoidPayment handles POST /api/payments/{id}/void.
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var req VoidRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := ledger.PaymentID(chi.URLParam(r, "id"))
	if err := h.Engine.VoidPayment(r.Context(), tenant, actorFrom(r), id, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.Query.GetPayment(r.Context(), tenant, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(result.Payment, result.Allocations))
}

// ApplyPayment handles POST /api/payments/{id}/apply.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var req ApplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	targets, err := parseTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, "targets: "+err.Error())
		return
	}

	id := ledger.PaymentID(chi.URLParam(r, "id"))
	result, err := h.Engine.ApplyToCharges(r.Context(), tenant, actorFrom(r), id, targets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(result.Payment, result.Allocations))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// DeleteAllocation handles DELETE /api/allocations/{id}. The
// allocation's amount returns to the payment's unapplied pool.
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	id := ledger.AllocationID(chi.URLParam(r, "id"))
	if err := h.Engine.UnapplyFromCharge(r.Context(), tenant, actorFrom(r), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// CreateCharge handles POST /api/charges. It also registers the
// patient if this tenant has not seen them before.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	var req CreateChargeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	if req.Units < 1 {
		writeError(w, http.StatusBadRequest, "units must be at least 1")
		return
	}
	serviceDate, err := time.Parse("2006-01-02", req.ServiceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "service_date: must be YYYY-MM-DD")
		return
	}
	fee, err := ledger.ParseMoney(req.FeePerUnit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fee_per_unit: "+err.Error())
		return
	}
	if fee.IsNegative() {
		writeError(w, http.StatusBadRequest, "fee_per_unit must not be negative")
		return
	}
	adjustments := ledger.Zero
	if req.Adjustments != "" {
		adjustments, err = ledger.ParseMoney(req.Adjustments)
		if err != nil {
			writeError(w, http.StatusBadRequest, "adjustments: "+err.Error())
			return
		}
	}
	status := ledger.ChargeBilled
	if req.Status != "" {
		status = ledger.ChargeStatus(req.Status)
		if status != ledger.ChargePending && status != ledger.ChargeBilled {
			writeError(w, http.StatusBadRequest, "status must be PENDING or BILLED")
			return
		}
	}

	charge := ledger.Charge{
		ID:          ledger.ChargeID(uuid.NewString()),
		TenantID:    tenant,
		PatientID:   ledger.PatientID(req.PatientID),
		EncounterID: req.EncounterID,
		ServiceDate: serviceDate.UTC(),
		FeePerUnit:  fee,
		Units:       req.Units,
		Adjustments: adjustments,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	charge.Recompute(h.Engine.ClampBalance())

	if err := h.Backend.SavePatient(r.Context(), tenant, charge.PatientID, req.PatientName); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Backend.InsertCharge(r.Context(), charge); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeDTO(charge))
}

// PatientCharges handles GET /api/patients/{id}/charges. With
// ?open=true only charges carrying an outstanding balance are
// returned, ordered oldest service date first.
func (h *Handler) PatientCharges(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	patientID := ledger.PatientID(chi.URLParam(r, "id"))
	var (
		charges []ledger.Charge
		err     error
	)
	if r.URL.Query().Get("open") == "true" {
		charges, err = h.Query.OpenCharges(r.Context(), tenant, patientID)
	} else {
		charges, err = h.Query.ChargesByPatient(r.Context(), tenant, patientID)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTOs(charges))
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

// DailyCollections handles GET /api/collections/daily?date=YYYY-MM-DD.
// Defaults to today (UTC) when date is omitted.
func (h *Handler) DailyCollections(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
		return
	}

	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		var err error
		day, err = time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date: must be YYYY-MM-DD")
			return
		}
	}

	summary, err := h.Query.DailyCollections(r.Context(), tenant, day)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := CollectionsDTO{
		Date:        summary.Date.Format("2006-01-02"),
		Total:       summary.Total.String(),
		Count:       summary.Count,
		ByMethod:    make(map[string]string, len(summary.ByMethod)),
		ByPayerType: make(map[string]string, len(summary.ByPayerType)),
	}
	for method, amount := range summary.ByMethod {
		dto.ByMethod[string(method)] = amount.String()
	}
	for payer, amount := range summary.ByPayerType {
		dto.ByPayerType[string(payer)] = amount.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
