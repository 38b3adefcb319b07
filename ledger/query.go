/*
query.go - Read-only ledger projections

PURPOSE:
  The QueryService builds read models over the payment/charge stores:
  payment listings, recent activity, and daily collections summaries.
  It holds no invariants of its own and has no write access. Because
  every engine mutation commits atomically, these reads can never
  observe an allocation whose charge-side effect is missing.

SEE ALSO:
  - engine.go: the write side
  - store.go: PaymentFilter and Page
*/
package ledger

import (
	"context"
	"time"
)

// QueryService exposes read-only projections of the ledger.
type QueryService struct {
	store Store
}

func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// PaymentPage is one page of a payment listing.
type PaymentPage struct {
	Payments []PaymentWithAllocations
	Total    int
	Limit    int
	Offset   int
}

// ListPayments returns a filtered, paginated payment listing, newest
// first, each payment carrying its allocation set.
func (q *QueryService) ListPayments(ctx context.Context, tenantID TenantID, f PaymentFilter, page Page) (*PaymentPage, error) {
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	payments, total, err := q.store.ListPayments(ctx, tenantID, f, page)
	if err != nil {
		return nil, err
	}

	result := &PaymentPage{Total: total, Limit: page.Limit, Offset: page.Offset}
	for _, p := range payments {
		allocs, err := q.store.AllocationsForPayment(ctx, tenantID, p.ID)
		if err != nil {
			return nil, err
		}
		result.Payments = append(result.Payments, PaymentWithAllocations{Payment: p, Allocations: allocs})
	}
	return result, nil
}

// GetPayment returns a single payment with its allocations.
func (q *QueryService) GetPayment(ctx context.Context, tenantID TenantID, id PaymentID) (*PaymentWithAllocations, error) {
	payment, err := q.store.GetPayment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &NotFoundError{Kind: "payment", ID: string(id)}
	}
	allocs, err := q.store.AllocationsForPayment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &PaymentWithAllocations{Payment: *payment, Allocations: allocs}, nil
}

// RecentPayments returns the most recent limit payments, newest first.
// Void payments are included: recent activity is an audit view.
func (q *QueryService) RecentPayments(ctx context.Context, tenantID TenantID, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	payments, _, err := q.store.ListPayments(ctx, tenantID, PaymentFilter{IncludeVoid: true}, Page{Limit: limit})
	return payments, err
}

// CollectionsSummary aggregates one day's non-void payments.
type CollectionsSummary struct {
	Date        time.Time
	Total       Money
	ByMethod    map[PaymentMethod]Money
	ByPayerType map[PayerType]Money
	Count       int
}

// DailyCollections sums the day's non-void payments grouped by payment
// method and payer type. The day is interpreted in UTC.
func (q *QueryService) DailyCollections(ctx context.Context, tenantID TenantID, day time.Time) (*CollectionsSummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	summary := &CollectionsSummary{
		Date:        start,
		ByMethod:    make(map[PaymentMethod]Money),
		ByPayerType: make(map[PayerType]Money),
	}

	// Page through the day's payments; a single clinic day fits in a
	// few pages at most.
	filter := PaymentFilter{From: &start, To: &end}
	for offset := 0; ; {
		payments, total, err := q.store.ListPayments(ctx, tenantID, filter, Page{Limit: 200, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			summary.Total = summary.Total.Add(p.Amount)
			summary.ByMethod[p.Method] = summary.ByMethod[p.Method].Add(p.Amount)
			summary.ByPayerType[p.PayerType] = summary.ByPayerType[p.PayerType].Add(p.Amount)
			summary.Count++
		}
		offset += len(payments)
		if offset >= total || len(payments) == 0 {
			break
		}
	}
	return summary, nil
}

// OpenCharges lists a patient's open charges oldest-first, the same
// view auto-allocation consumes.
func (q *QueryService) OpenCharges(ctx context.Context, tenantID TenantID, patientID PatientID) ([]Charge, error) {
	return q.store.OpenCharges(ctx, tenantID, patientID)
}

// ChargesByPatient lists all of a patient's charges including PAID and
// VOID ones.
func (q *QueryService) ChargesByPatient(ctx context.Context, tenantID TenantID, patientID PatientID) ([]Charge, error) {
	return q.store.ChargesByPatient(ctx, tenantID, patientID)
}
