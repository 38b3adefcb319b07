package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/billing-engine/ledger"
	memstore "github.com/clinic/billing-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newQueryFixture(t *testing.T) (*ledger.QueryService, *memstore.Memory) {
	t.Helper()
	st := memstore.NewMemory()
	st.SeedPatient(tenantA, patient)
	return ledger.NewQueryService(st), st
}

// insertPayment writes a payment row directly, bypassing the engine, so
// tests control CreatedAt and void state precisely.
func insertPayment(t *testing.T, st *memstore.Memory, id string, createdAt time.Time, amountCents int64, method ledger.PaymentMethod, payer ledger.PayerType, void bool) {
	t.Helper()
	p := ledger.Payment{
		ID:              ledger.PaymentID(id),
		TenantID:        tenantA,
		PatientID:       patient,
		Amount:          ledger.Cents(amountCents),
		Method:          method,
		PayerType:       payer,
		UnappliedAmount: ledger.Cents(amountCents),
		IsVoid:          void,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if void {
		p.VoidReason = "test"
		p.VoidedAt = &createdAt
		p.UnappliedAmount = ledger.Zero
	}
	require.NoError(t, st.InsertPayment(context.Background(), p))
}

// =============================================================================
// PAYMENT LISTING
// =============================================================================

func TestListPayments_NewestFirstWithPagination(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	base := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insertPayment(t, st, fmt.Sprintf("pay-%d", i), base.Add(time.Duration(i)*time.Hour),
			1000, ledger.MethodCash, ledger.PayerPatient, false)
	}

	page, err := query.ListPayments(ctx, tenantA, ledger.PaymentFilter{}, ledger.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Payments, 2)
	// Newest first: offset 2 skips pay-4 and pay-3.
	assert.Equal(t, ledger.PaymentID("pay-2"), page.Payments[0].Payment.ID)
	assert.Equal(t, ledger.PaymentID("pay-1"), page.Payments[1].Payment.ID)
}

func TestListPayments_VoidExcludedByDefault(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	now := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	insertPayment(t, st, "pay-live", now, 1000, ledger.MethodCash, ledger.PayerPatient, false)
	insertPayment(t, st, "pay-void", now.Add(time.Minute), 2000, ledger.MethodCash, ledger.PayerPatient, true)

	page, err := query.ListPayments(ctx, tenantA, ledger.PaymentFilter{}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, page.Payments, 1)
	assert.Equal(t, ledger.PaymentID("pay-live"), page.Payments[0].Payment.ID)

	page, err = query.ListPayments(ctx, tenantA, ledger.PaymentFilter{IncludeVoid: true}, ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Payments, 2)
}

func TestListPayments_Filters(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	day1 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	insertPayment(t, st, "pay-cash", day1, 1000, ledger.MethodCash, ledger.PayerPatient, false)
	insertPayment(t, st, "pay-check", day1, 2000, ledger.MethodCheck, ledger.PayerInsurance, false)
	insertPayment(t, st, "pay-late", day2, 3000, ledger.MethodCash, ledger.PayerPatient, false)

	page, err := query.ListPayments(ctx, tenantA, ledger.PaymentFilter{Method: ledger.MethodCheck}, ledger.Page{})
	require.NoError(t, err)
	require.Len(t, page.Payments, 1)
	assert.Equal(t, ledger.PaymentID("pay-check"), page.Payments[0].Payment.ID)

	page, err = query.ListPayments(ctx, tenantA, ledger.PaymentFilter{PayerType: ledger.PayerInsurance}, ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Payments, 1)

	// From is inclusive, To exclusive.
	from := day1
	to := day2
	page, err = query.ListPayments(ctx, tenantA, ledger.PaymentFilter{From: &from, To: &to}, ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Payments, 2)
}

func TestGetPayment_CarriesAllocations(t *testing.T) {
	st := memstore.NewMemory()
	st.SeedPatient(tenantA, patient)
	engine := ledger.NewEngine(st, nil, ledger.Options{})
	query := ledger.NewQueryService(st)
	ctx := context.Background()

	seedCharge(t, st, tenantA, "chg-1", jan(1), 10000, 1)
	created, err := engine.CreatePayment(ctx, tenantA, "alice", ledger.CreatePaymentInput{
		PatientID: patient,
		Amount:    ledger.Cents(10000),
		Method:    ledger.MethodCash,
		PayerType: ledger.PayerPatient,
		Targets:   []ledger.AllocationTarget{{ChargeID: "chg-1", Amount: ledger.Cents(4000)}},
	})
	require.NoError(t, err)

	got, err := query.GetPayment(ctx, tenantA, created.Payment.ID)
	require.NoError(t, err)
	require.Len(t, got.Allocations, 1)
	assert.True(t, got.Allocations[0].Amount.Equal(ledger.Cents(4000)))
}

func TestGetPayment_NotFound(t *testing.T) {
	query, _ := newQueryFixture(t)
	_, err := query.GetPayment(context.Background(), tenantA, "pay-ghost")
	assert.True(t, ledger.IsNotFound(err))
}

func TestRecentPayments_IncludesVoid(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	now := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)
	insertPayment(t, st, "pay-live", now, 1000, ledger.MethodCash, ledger.PayerPatient, false)
	insertPayment(t, st, "pay-void", now.Add(time.Minute), 2000, ledger.MethodCash, ledger.PayerPatient, true)

	recent, err := query.RecentPayments(ctx, tenantA, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2, "recent activity is an audit view; void included")
	assert.Equal(t, ledger.PaymentID("pay-void"), recent[0].ID)
}

// =============================================================================
// DAILY COLLECTIONS
// =============================================================================

func TestDailyCollections_GroupsByMethodAndPayer(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	day := time.Date(2026, time.April, 7, 0, 0, 0, 0, time.UTC)
	insertPayment(t, st, "p1", day.Add(9*time.Hour), 10000, ledger.MethodCash, ledger.PayerPatient, false)
	insertPayment(t, st, "p2", day.Add(10*time.Hour), 5000, ledger.MethodCash, ledger.PayerPatient, false)
	insertPayment(t, st, "p3", day.Add(11*time.Hour), 25000, ledger.MethodCheck, ledger.PayerInsurance, false)
	// Void payments and other days must not count.
	insertPayment(t, st, "p4", day.Add(12*time.Hour), 9900, ledger.MethodCash, ledger.PayerPatient, true)
	insertPayment(t, st, "p5", day.Add(30*time.Hour), 7700, ledger.MethodCash, ledger.PayerPatient, false)

	summary, err := query.DailyCollections(ctx, tenantA, day)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Count)
	assert.True(t, summary.Total.Equal(ledger.Cents(40000)))
	assert.True(t, summary.ByMethod[ledger.MethodCash].Equal(ledger.Cents(15000)))
	assert.True(t, summary.ByMethod[ledger.MethodCheck].Equal(ledger.Cents(25000)))
	assert.True(t, summary.ByPayerType[ledger.PayerPatient].Equal(ledger.Cents(15000)))
	assert.True(t, summary.ByPayerType[ledger.PayerInsurance].Equal(ledger.Cents(25000)))
}

func TestDailyCollections_EmptyDay(t *testing.T) {
	query, _ := newQueryFixture(t)

	summary, err := query.DailyCollections(context.Background(), tenantA, time.Date(2026, time.April, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, summary.Count)
	assert.True(t, summary.Total.IsZero())
}

// =============================================================================
// CHARGE VIEWS
// =============================================================================

func TestOpenCharges_OldestFirstExcludingSettled(t *testing.T) {
	query, st := newQueryFixture(t)
	ctx := context.Background()

	seedCharge(t, st, tenantA, "chg-new", jan(10), 5000, 1)
	seedCharge(t, st, tenantA, "chg-old", jan(2), 10000, 1)

	paid := ledger.Charge{
		ID: "chg-paid", TenantID: tenantA, PatientID: patient,
		ServiceDate: jan(1), FeePerUnit: ledger.Cents(2000), Units: 1,
		PaymentsApplied: ledger.Cents(2000), Status: ledger.ChargeBilled,
	}
	paid.Recompute(false)
	require.NoError(t, st.InsertCharge(ctx, paid))

	open, err := query.OpenCharges(ctx, tenantA, patient)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, ledger.ChargeID("chg-old"), open[0].ID)
	assert.Equal(t, ledger.ChargeID("chg-new"), open[1].ID)

	all, err := query.ChargesByPatient(ctx, tenantA, patient)
	require.NoError(t, err)
	assert.Len(t, all, 3, "full history keeps settled charges")
}
