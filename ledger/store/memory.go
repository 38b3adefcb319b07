/*
Package store provides an in-memory ledger.TxStore implementation.

PURPOSE:
  Backs tests and local development without a database. Transactions
  get real all-or-nothing semantics: WithTx runs against a snapshot of
  the state and only swaps it in if the function succeeds, so a failure
  partway through a multi-write operation leaves nothing behind.

CONCURRENCY:
  A single mutex serializes writers; version checks on charge/payment
  updates behave exactly like the SQLite store's, so conflict-handling
  code paths are testable here too.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/sqlite/sqlite.go: production implementation
*/
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/clinic/billing-engine/ledger"
)

// Memory implements ledger.TxStore entirely in process.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type patientKey struct {
	Tenant  ledger.TenantID
	Patient ledger.PatientID
}

type state struct {
	charges      map[ledger.ChargeID]ledger.Charge
	payments     map[ledger.PaymentID]ledger.Payment
	paymentOrder []ledger.PaymentID
	allocations  map[ledger.AllocationID]ledger.PaymentAllocation
	allocOrder   []ledger.AllocationID
	patients     map[patientKey]bool
}

func newState() *state {
	return &state{
		charges:     make(map[ledger.ChargeID]ledger.Charge),
		payments:    make(map[ledger.PaymentID]ledger.Payment),
		allocations: make(map[ledger.AllocationID]ledger.PaymentAllocation),
		patients:    make(map[patientKey]bool),
	}
}

func (s *state) clone() *state {
	c := &state{
		charges:      make(map[ledger.ChargeID]ledger.Charge, len(s.charges)),
		payments:     make(map[ledger.PaymentID]ledger.Payment, len(s.payments)),
		paymentOrder: append([]ledger.PaymentID(nil), s.paymentOrder...),
		allocations:  make(map[ledger.AllocationID]ledger.PaymentAllocation, len(s.allocations)),
		allocOrder:   append([]ledger.AllocationID(nil), s.allocOrder...),
		patients:     make(map[patientKey]bool, len(s.patients)),
	}
	for k, v := range s.charges {
		c.charges[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// SeedPatient registers a patient for a tenant. Stands in for the
// external patient CRUD collaborator.
func (m *Memory) SeedPatient(tenantID ledger.TenantID, patientID ledger.PatientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.patients[patientKey{tenantID, patientID}] = true
}

// SavePatient upserts a patient registration. The name is accepted for
// interface parity with the SQLite store but not retained.
func (m *Memory) SavePatient(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID, name string) error {
	m.SeedPatient(tenantID, patientID)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a snapshot. The snapshot replaces the live
// state only if fn returns nil.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{state: snapshot}); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

// txView exposes a state snapshot as a ledger.Store. It runs under the
// parent's lock, so no further locking is needed.
type txView struct {
	state *state
}

// =============================================================================
// STORE METHODS - shared between Memory (locked) and txView (in-tx)
// =============================================================================

func (m *Memory) GetCharge(ctx context.Context, tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getCharge(tenantID, id)
}

func (v *txView) GetCharge(_ context.Context, tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	return v.state.getCharge(tenantID, id)
}

func (s *state) getCharge(tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	c, ok := s.charges[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	copied := c
	return &copied, nil
}

func (m *Memory) OpenCharges(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.openCharges(tenantID, patientID)
}

func (v *txView) OpenCharges(_ context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	return v.state.openCharges(tenantID, patientID)
}

func (s *state) openCharges(tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	var out []ledger.Charge
	for _, c := range s.charges {
		if c.TenantID != tenantID || c.PatientID != patientID {
			continue
		}
		if (c.Status == ledger.ChargePending || c.Status == ledger.ChargeBilled) && c.Balance.IsPositive() {
			out = append(out, c)
		}
	}
	sortChargesByServiceDate(out)
	return out, nil
}

func (m *Memory) ChargesByPatient(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.chargesByPatient(tenantID, patientID)
}

func (v *txView) ChargesByPatient(_ context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	return v.state.chargesByPatient(tenantID, patientID)
}

func (s *state) chargesByPatient(tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	var out []ledger.Charge
	for _, c := range s.charges {
		if c.TenantID == tenantID && c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sortChargesByServiceDate(out)
	return out, nil
}

func sortChargesByServiceDate(charges []ledger.Charge) {
	sort.Slice(charges, func(i, j int) bool {
		if charges[i].ServiceDate.Equal(charges[j].ServiceDate) {
			return charges[i].ID < charges[j].ID
		}
		return charges[i].ServiceDate.Before(charges[j].ServiceDate)
	})
}

func (m *Memory) InsertCharge(ctx context.Context, c ledger.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertCharge(c)
}

func (v *txView) InsertCharge(_ context.Context, c ledger.Charge) error {
	return v.state.insertCharge(c)
}

func (s *state) insertCharge(c ledger.Charge) error {
	if _, exists := s.charges[c.ID]; exists {
		return fmt.Errorf("charge %s already exists", c.ID)
	}
	s.charges[c.ID] = c
	return nil
}

func (m *Memory) UpdateCharge(ctx context.Context, c *ledger.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateCharge(c)
}

func (v *txView) UpdateCharge(_ context.Context, c *ledger.Charge) error {
	return v.state.updateCharge(c)
}

func (s *state) updateCharge(c *ledger.Charge) error {
	stored, ok := s.charges[c.ID]
	if !ok || stored.TenantID != c.TenantID {
		return &ledger.NotFoundError{Kind: "charge", ID: string(c.ID)}
	}
	if stored.Version != c.Version {
		return &ledger.ConflictError{Kind: "charge", ID: string(c.ID)}
	}
	c.Version++
	s.charges[c.ID] = *c
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPayment(tenantID, id)
}

func (v *txView) GetPayment(_ context.Context, tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	return v.state.getPayment(tenantID, id)
}

func (s *state) getPayment(tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, nil
	}
	copied := p
	return &copied, nil
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertPayment(p)
}

func (v *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	return v.state.insertPayment(p)
}

func (s *state) insertPayment(p ledger.Payment) error {
	if _, exists := s.payments[p.ID]; exists {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	s.payments[p.ID] = p
	s.paymentOrder = append(s.paymentOrder, p.ID)
	return nil
}

func (m *Memory) UpdatePayment(ctx context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updatePayment(p)
}

func (v *txView) UpdatePayment(_ context.Context, p *ledger.Payment) error {
	return v.state.updatePayment(p)
}

func (s *state) updatePayment(p *ledger.Payment) error {
	stored, ok := s.payments[p.ID]
	if !ok || stored.TenantID != p.TenantID {
		return &ledger.NotFoundError{Kind: "payment", ID: string(p.ID)}
	}
	if stored.Version != p.Version {
		return &ledger.ConflictError{Kind: "payment", ID: string(p.ID)}
	}
	p.Version++
	s.payments[p.ID] = *p
	return nil
}

func (m *Memory) ListPayments(ctx context.Context, tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPayments(tenantID, f, page)
}

func (v *txView) ListPayments(_ context.Context, tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	return v.state.listPayments(tenantID, f, page)
}

func (s *state) listPayments(tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	// Newest first: walk insertion order backwards.
	var matched []ledger.Payment
	for i := len(s.paymentOrder) - 1; i >= 0; i-- {
		p := s.payments[s.paymentOrder[i]]
		if p.TenantID != tenantID {
			continue
		}
		if !f.IncludeVoid && p.IsVoid {
			continue
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if f.PayerType != "" && p.PayerType != f.PayerType {
			continue
		}
		if f.From != nil && p.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !p.CreatedAt.Before(*f.To) {
			continue
		}
		matched = append(matched, p)
	}

	total := len(matched)
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Offset >= total {
		return nil, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return matched[page.Offset:end], total, nil
}

func (m *Memory) GetAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAllocation(tenantID, id)
}

func (v *txView) GetAllocation(_ context.Context, tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	return v.state.getAllocation(tenantID, id)
}

func (s *state) getAllocation(tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	a, ok := s.allocations[id]
	if !ok || a.TenantID != tenantID {
		return nil, nil
	}
	copied := a
	return &copied, nil
}

func (m *Memory) AllocationsForPayment(ctx context.Context, tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.allocationsForPayment(tenantID, paymentID)
}

func (v *txView) AllocationsForPayment(_ context.Context, tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	return v.state.allocationsForPayment(tenantID, paymentID)
}

func (s *state) allocationsForPayment(tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	var out []ledger.PaymentAllocation
	for _, id := range s.allocOrder {
		a, ok := s.allocations[id]
		if ok && a.TenantID == tenantID && a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) AllocationsForCharge(ctx context.Context, tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.allocationsForCharge(tenantID, chargeID)
}

func (v *txView) AllocationsForCharge(_ context.Context, tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	return v.state.allocationsForCharge(tenantID, chargeID)
}

func (s *state) allocationsForCharge(tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	var out []ledger.PaymentAllocation
	for _, id := range s.allocOrder {
		a, ok := s.allocations[id]
		if ok && a.TenantID == tenantID && a.ChargeID == chargeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) InsertAllocation(ctx context.Context, a ledger.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertAllocation(a)
}

func (v *txView) InsertAllocation(_ context.Context, a ledger.PaymentAllocation) error {
	return v.state.insertAllocation(a)
}

func (s *state) insertAllocation(a ledger.PaymentAllocation) error {
	if _, exists := s.allocations[a.ID]; exists {
		return fmt.Errorf("allocation %s already exists", a.ID)
	}
	s.allocations[a.ID] = a
	s.allocOrder = append(s.allocOrder, a.ID)
	return nil
}

func (m *Memory) DeleteAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.deleteAllocation(tenantID, id)
}

func (v *txView) DeleteAllocation(_ context.Context, tenantID ledger.TenantID, id ledger.AllocationID) error {
	return v.state.deleteAllocation(tenantID, id)
}

func (s *state) deleteAllocation(tenantID ledger.TenantID, id ledger.AllocationID) error {
	a, ok := s.allocations[id]
	if !ok || a.TenantID != tenantID {
		return &ledger.NotFoundError{Kind: "allocation", ID: string(id)}
	}
	delete(s.allocations, id)
	for i, aid := range s.allocOrder {
		if aid == id {
			s.allocOrder = append(s.allocOrder[:i], s.allocOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) PatientExists(ctx context.Context, tenantID ledger.TenantID, id ledger.PatientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.patients[patientKey{tenantID, id}], nil
}

func (v *txView) PatientExists(_ context.Context, tenantID ledger.TenantID, id ledger.PatientID) (bool, error) {
	return v.state.patients[patientKey{tenantID, id}], nil
}

// =============================================================================
// MEMORY AUDIT LOG
// =============================================================================

// MemoryAuditLog collects audit entries for inspection in tests.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []ledger.AuditEntry
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, entry ledger.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (l *MemoryAuditLog) Entries() []ledger.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.AuditEntry(nil), l.entries...)
}
