package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/billing-engine/api"
	"github.com/clinic/billing-engine/ledger"
	memstore "github.com/clinic/billing-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testTenant = "clinic-1"

func newTestServer(t *testing.T) *httptest.Server {
	return newTestServerWith(t, ledger.Options{})
}

func newTestServerWith(t *testing.T, opts ledger.Options) *httptest.Server {
	t.Helper()
	st := memstore.NewMemory()
	engine := ledger.NewEngine(st, memstore.NewMemoryAuditLog(), opts)
	query := ledger.NewQueryService(st)

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(engine, query, st)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenant)
	req.Header.Set("X-Actor-ID", "tester")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createCharge(t *testing.T, srv *httptest.Server, serviceDate, fee string) api.ChargeDTO {
	t.Helper()
	resp := doJSON(t, srv, http.MethodPost, "/api/charges", api.CreateChargeRequest{
		PatientID:   "pat-1",
		PatientName: "Jane Roe",
		ServiceDate: serviceDate,
		FeePerUnit:  fee,
		Units:       1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.ChargeDTO](t, resp)
}

// =============================================================================
// TENANCY
// =============================================================================

func TestAPI_MissingTenantHeaderRejected(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/payments", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// CHARGES
// =============================================================================

func TestAPI_CreateCharge(t *testing.T) {
	srv := newTestServer(t)

	charge := createCharge(t, srv, "2026-01-05", "120.50")
	assert.NotEmpty(t, charge.ID)
	assert.Equal(t, "BILLED", charge.Status)
	assert.Equal(t, "120.50", charge.Balance)
	assert.Equal(t, "0.00", charge.PaymentsApplied)
}

func TestAPI_CreateCharge_Validation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		req  api.CreateChargeRequest
	}{
		{"missing patient", api.CreateChargeRequest{ServiceDate: "2026-01-05", FeePerUnit: "10.00", Units: 1}},
		{"zero units", api.CreateChargeRequest{PatientID: "pat-1", ServiceDate: "2026-01-05", FeePerUnit: "10.00", Units: 0}},
		{"bad date", api.CreateChargeRequest{PatientID: "pat-1", ServiceDate: "Jan 5", FeePerUnit: "10.00", Units: 1}},
		{"sub-cent fee", api.CreateChargeRequest{PatientID: "pat-1", ServiceDate: "2026-01-05", FeePerUnit: "10.005", Units: 1}},
		{"negative fee", api.CreateChargeRequest{PatientID: "pat-1", ServiceDate: "2026-01-05", FeePerUnit: "-10.00", Units: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, srv, http.MethodPost, "/api/charges", tc.req)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAPI_CreateCharge_UsesConfiguredClampPolicy(t *testing.T) {
	// GIVEN: Adjustments exceeding the fee
	// WHEN: Creating the charge on clamping and non-clamping servers
	// THEN: The balance follows each server's policy

	req := api.CreateChargeRequest{
		PatientID:   "pat-1",
		PatientName: "Jane Roe",
		ServiceDate: "2026-01-05",
		FeePerUnit:  "10.00",
		Units:       1,
		Adjustments: "25.00",
	}

	srv := newTestServer(t)
	resp := doJSON(t, srv, http.MethodPost, "/api/charges", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	charge := decode[api.ChargeDTO](t, resp)
	assert.Equal(t, "-15.00", charge.Balance, "credit shows as negative balance")

	clamped := newTestServerWith(t, ledger.Options{ClampBalance: true})
	resp = doJSON(t, clamped, http.MethodPost, "/api/charges", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	charge = decode[api.ChargeDTO](t, resp)
	assert.Equal(t, "0.00", charge.Balance, "clamping floors the balance at zero")
}

func TestAPI_PatientCharges_OpenFilter(t *testing.T) {
	srv := newTestServer(t)
	createCharge(t, srv, "2026-01-05", "100.00")
	charge := createCharge(t, srv, "2026-01-01", "50.00")

	// Pay off the older charge.
	resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
		PatientID: "pat-1", Amount: "50.00", Method: "cash", PayerType: "patient",
		Targets: []api.TargetRequest{{ChargeID: charge.ID, Amount: "50.00"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodGet, "/api/patients/pat-1/charges?open=true", nil)
	open := decode[[]api.ChargeDTO](t, resp)
	require.Len(t, open, 1)
	assert.Equal(t, "100.00", open[0].Balance)

	resp = doJSON(t, srv, http.MethodGet, "/api/patients/pat-1/charges", nil)
	all := decode[[]api.ChargeDTO](t, resp)
	assert.Len(t, all, 2)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestAPI_PaymentLifecycle(t *testing.T) {
	// Create two charges, auto-allocate a payment across them, then
	// unapply one allocation and finally void the payment.
	srv := newTestServer(t)
	createCharge(t, srv, "2026-01-01", "100.00")
	createCharge(t, srv, "2026-01-05", "50.00")

	// Auto-allocate $120: oldest charge first.
	resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
		PatientID:    "pat-1",
		Amount:       "120.00",
		Method:       "check",
		PayerType:    "insurance",
		AutoAllocate: true,
		CheckNumber:  "5531",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payment := decode[api.PaymentDTO](t, resp)

	assert.Equal(t, "120.00", payment.Amount)
	assert.Equal(t, "0.00", payment.UnappliedAmount)
	require.Len(t, payment.Allocations, 2)
	assert.Equal(t, "100.00", payment.Allocations[0].Amount)
	assert.Equal(t, "20.00", payment.Allocations[1].Amount)

	// Unapply the $20 allocation, remembering which charge it sat on.
	unappliedChargeID := payment.Allocations[1].ChargeID
	resp = doJSON(t, srv, http.MethodDelete, "/api/allocations/"+payment.Allocations[1].ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodGet, "/api/payments/"+payment.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payment = decode[api.PaymentDTO](t, resp)
	assert.Equal(t, "20.00", payment.UnappliedAmount)
	assert.Len(t, payment.Allocations, 1)

	// Re-apply it explicitly to the same charge.
	resp = doJSON(t, srv, http.MethodPost, "/api/payments/"+payment.ID+"/apply", api.ApplyRequest{
		Targets: []api.TargetRequest{{ChargeID: unappliedChargeID, Amount: "20.00"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payment = decode[api.PaymentDTO](t, resp)
	assert.Equal(t, "0.00", payment.UnappliedAmount)
	assert.Len(t, payment.Allocations, 2)

	// Void everything.
	resp = doJSON(t, srv, http.MethodPost, "/api/payments/"+payment.ID+"/void", api.VoidRequest{Reason: "bounced check"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payment = decode[api.PaymentDTO](t, resp)
	assert.True(t, payment.IsVoid)
	assert.Equal(t, "bounced check", payment.VoidReason)
	assert.Equal(t, "tester", payment.VoidedBy)
	assert.Empty(t, payment.Allocations)

	// Charges are restored.
	resp = doJSON(t, srv, http.MethodGet, "/api/patients/pat-1/charges?open=true", nil)
	open := decode[[]api.ChargeDTO](t, resp)
	require.Len(t, open, 2)
	assert.Equal(t, "100.00", open[0].Balance)
	assert.Equal(t, "50.00", open[1].Balance)
}

func TestAPI_CreatePayment_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	charge := createCharge(t, srv, "2026-01-05", "50.00")

	t.Run("unknown patient is 404", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-ghost", Amount: "10.00", Method: "cash", PayerType: "patient",
		})
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", body.Code)
	})

	t.Run("over-allocation is 400", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-1", Amount: "80.00", Method: "cash", PayerType: "patient",
			Targets: []api.TargetRequest{{ChargeID: charge.ID, Amount: "80.00"}},
		})
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", body.Code)
	})

	t.Run("bad amount is 400", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-1", Amount: "ten", Method: "cash", PayerType: "patient",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("double void is 409", func(t *testing.T) {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-1", Amount: "10.00", Method: "cash", PayerType: "patient",
		})
		payment := decode[api.PaymentDTO](t, resp)

		resp = doJSON(t, srv, http.MethodPost, "/api/payments/"+payment.ID+"/void", api.VoidRequest{Reason: "dup"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = doJSON(t, srv, http.MethodPost, "/api/payments/"+payment.ID+"/void", api.VoidRequest{Reason: "dup"})
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "invalid_state", body.Code)
	})
}

func TestAPI_UpdatePaymentMetadata(t *testing.T) {
	srv := newTestServer(t)
	createCharge(t, srv, "2026-01-05", "50.00")

	resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
		PatientID: "pat-1", Amount: "10.00", Method: "check", PayerType: "patient",
		CheckNumber: "1001",
	})
	payment := decode[api.PaymentDTO](t, resp)

	ref := "EOB-7"
	resp = doJSON(t, srv, http.MethodPatch, "/api/payments/"+payment.ID, api.UpdatePaymentRequest{
		ReferenceNumber: &ref,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[api.PaymentDTO](t, resp)

	assert.Equal(t, "EOB-7", updated.ReferenceNumber)
	assert.Equal(t, "1001", updated.CheckNumber, "unpatched fields survive")
}

func TestAPI_ListAndRecentPayments(t *testing.T) {
	srv := newTestServer(t)
	createCharge(t, srv, "2026-01-05", "500.00")

	for i := 0; i < 3; i++ {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-1", Amount: fmt.Sprintf("%d.00", 10+i), Method: "cash", PayerType: "patient",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, srv, http.MethodGet, "/api/payments?limit=2", nil)
	page := decode[api.PaymentPageDTO](t, resp)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Payments, 2)
	assert.Equal(t, "12.00", page.Payments[0].Amount, "newest first")

	resp = doJSON(t, srv, http.MethodGet, "/api/payments/recent?limit=1", nil)
	recent := decode[[]api.PaymentDTO](t, resp)
	require.Len(t, recent, 1)
	assert.Equal(t, "12.00", recent[0].Amount)
}

// =============================================================================
// REPORTING
// =============================================================================

func TestAPI_DailyCollections(t *testing.T) {
	srv := newTestServer(t)
	createCharge(t, srv, "2026-01-05", "500.00")

	amounts := []string{"100.00", "50.00"}
	for _, amt := range amounts {
		resp := doJSON(t, srv, http.MethodPost, "/api/payments", api.CreatePaymentRequest{
			PatientID: "pat-1", Amount: amt, Method: "cash", PayerType: "patient",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	// Engine timestamps are "now"; today's summary must include both.
	resp := doJSON(t, srv, http.MethodGet, "/api/collections/daily", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[api.CollectionsDTO](t, resp)

	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, "150.00", summary.Total)
	assert.Equal(t, "150.00", summary.ByMethod["cash"])
	assert.Equal(t, "150.00", summary.ByPayerType["patient"])

	resp = doJSON(t, srv, http.MethodGet, "/api/collections/daily?date=2020-01-01", nil)
	empty := decode[api.CollectionsDTO](t, resp)
	assert.Zero(t, empty.Count)
	assert.Equal(t, "0.00", empty.Total)
}
