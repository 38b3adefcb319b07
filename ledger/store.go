/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the allocation engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage; the engine only ever talks to these interfaces.

KEY INTERFACES:
  ChargeStore:      Charge reads + version-checked updates
  PaymentStore:     Payment reads/inserts + version-checked updates
  AllocationStore:  Allocation inserts, lookups, and hard deletes
  PatientDirectory: Tenant-ownership check for patients
  Store:            All of the above, as seen inside a transaction
  TxStore:          Store + WithTx unit-of-work
  AuditLog:         Sink for one entry per mutating operation

TENANT SCOPING:
  Every method takes the tenant id as an explicit parameter. There is no
  ambient tenant context: the type system forces every store access to
  state which tenant it is acting for. A lookup with the wrong tenant
  behaves exactly like a missing row.

MISSING ROWS:
  Get* methods return (nil, nil) when the row does not exist. The engine
  turns that into a NotFoundError; stores never guess at error kinds.

OPTIMISTIC CONCURRENCY:
  UpdateCharge/UpdatePayment compare the row's stored version against
  the version the caller read. On mismatch they return a ConflictError
  and write nothing. Combined with WithTx this guarantees two operations
  racing on the same charge cannot both commit against the same balance
  snapshot.

SEE ALSO:
  - engine.go: the only caller of the mutating methods
  - store/sqlite/sqlite.go: production implementation
  - ledger/store/memory.go: in-memory implementation for tests
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// CHARGE STORE
// =============================================================================

type ChargeStore interface {
	// GetCharge returns the charge, or (nil, nil) if it does not exist
	// for this tenant.
	GetCharge(ctx context.Context, tenantID TenantID, id ChargeID) (*Charge, error)

	// OpenCharges returns the patient's charges with status PENDING or
	// BILLED and a positive balance, ordered by service date ascending
	// (oldest first). This ordering is load-bearing: auto-allocation
	// consumes the slice in order.
	OpenCharges(ctx context.Context, tenantID TenantID, patientID PatientID) ([]Charge, error)

	// ChargesByPatient returns all of a patient's charges regardless of
	// status, ordered by service date ascending.
	ChargesByPatient(ctx context.Context, tenantID TenantID, patientID PatientID) ([]Charge, error)

	// InsertCharge persists a new charge. Used by the external
	// charge-creation collaborator, never by the engine.
	InsertCharge(ctx context.Context, c Charge) error

	// UpdateCharge writes the charge if and only if the stored version
	// matches c.Version, then increments c.Version. Returns a
	// ConflictError on mismatch.
	UpdateCharge(ctx context.Context, c *Charge) error
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

// PaymentFilter narrows ListPayments. Nil/zero fields match everything.
type PaymentFilter struct {
	PatientID   PatientID
	From        *time.Time // inclusive, on CreatedAt
	To          *time.Time // exclusive, on CreatedAt
	Method      PaymentMethod
	PayerType   PayerType
	IncludeVoid bool
}

// Page is offset pagination. Limit <= 0 means a default page size.
type Page struct {
	Limit  int
	Offset int
}

type PaymentStore interface {
	// GetPayment returns the payment, or (nil, nil) if it does not
	// exist for this tenant.
	GetPayment(ctx context.Context, tenantID TenantID, id PaymentID) (*Payment, error)

	InsertPayment(ctx context.Context, p Payment) error

	// UpdatePayment writes the payment if and only if the stored
	// version matches p.Version, then increments p.Version. Returns a
	// ConflictError on mismatch.
	UpdatePayment(ctx context.Context, p *Payment) error

	// ListPayments returns one page of payments matching the filter,
	// newest first, plus the total match count for pagination.
	ListPayments(ctx context.Context, tenantID TenantID, f PaymentFilter, page Page) ([]Payment, int, error)
}

// =============================================================================
// ALLOCATION STORE
// =============================================================================

type AllocationStore interface {
	// GetAllocation returns the allocation, or (nil, nil) if missing.
	GetAllocation(ctx context.Context, tenantID TenantID, id AllocationID) (*PaymentAllocation, error)

	// AllocationsForPayment returns the payment's allocations in
	// creation order.
	AllocationsForPayment(ctx context.Context, tenantID TenantID, paymentID PaymentID) ([]PaymentAllocation, error)

	// AllocationsForCharge returns the charge's allocations in
	// creation order.
	AllocationsForCharge(ctx context.Context, tenantID TenantID, chargeID ChargeID) ([]PaymentAllocation, error)

	InsertAllocation(ctx context.Context, a PaymentAllocation) error

	// DeleteAllocation hard-deletes the allocation row. The caller must
	// reverse the charge/payment effect in the same transaction.
	DeleteAllocation(ctx context.Context, tenantID TenantID, id AllocationID) error
}

// =============================================================================
// PATIENT DIRECTORY - Ownership check only
// =============================================================================

// PatientDirectory answers "does this patient belong to this tenant".
// Patient CRUD lives in an external collaborator; the ledger only needs
// the ownership check before posting a payment.
type PatientDirectory interface {
	PatientExists(ctx context.Context, tenantID TenantID, id PatientID) (bool, error)
}

// =============================================================================
// AGGREGATE + TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface as seen inside a transaction.
type Store interface {
	ChargeStore
	PaymentStore
	AllocationStore
	PatientDirectory
}

// TxStore wraps Store with an explicit unit of work. Every engine
// operation runs its whole read-validate-write sequence inside one
// WithTx call: if fn returns an error nothing is visible afterwards.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Reads inside fn observe
	// a consistent snapshot; writes commit together or not at all.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog receives one entry per committed mutation. Sinks are
// best-effort: the engine logs append failures but never fails the
// financial operation over them.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// NopAuditLog discards all entries.
type NopAuditLog struct{}

func (NopAuditLog) Append(context.Context, AuditEntry) error { return nil }
