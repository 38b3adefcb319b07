/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AuditLog using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  patients:            Tenant-scoped patient directory (ownership checks)
  charges:             Billable line items with running balances
  payments:            Postings with their applied/unapplied split
  payment_allocations: Join rows between payments and charges
  audit_log:           One row per mutating engine operation

MONEY:
  All amounts are stored as INTEGER cents. No REAL columns anywhere
  near balance math.

OPTIMISTIC CONCURRENCY:
  charges and payments carry a version column. Updates are issued as
    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  and zero affected rows surfaces as a ledger.ConflictError. Combined
  with WithTx this prevents two racing operations from both committing
  against the same balance snapshot.

TRANSACTIONS:
  WithTx wraps the whole read-validate-write sequence of an engine
  operation in one sql.Tx. Reads inside the function run against the
  transaction, so auto-allocation's charge snapshot cannot go stale
  between read and write.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't
  block, a single writer at a time, better crash recovery. A mutex
  serializes writers at the Go level.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store, ledger.Options{})

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clinic/billing-engine/ledger"
)

// Store implements ledger.TxStore and ledger.AuditLog using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Patient directory (written by the patient CRUD collaborator)
	CREATE TABLE IF NOT EXISTS patients (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Charges (created externally, mutated only by the allocation engine)
	CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		encounter_id TEXT,
		service_date TEXT NOT NULL,
		fee_per_unit_cents INTEGER NOT NULL,
		units INTEGER NOT NULL,
		payments_applied_cents INTEGER NOT NULL DEFAULT 0,
		adjustments_cents INTEGER NOT NULL DEFAULT 0,
		balance_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: auto-allocation loads open charges oldest-first
	CREATE INDEX IF NOT EXISTS idx_charges_tenant_patient_date
		ON charges(tenant_id, patient_id, service_date ASC);
	CREATE INDEX IF NOT EXISTS idx_charges_tenant_status
		ON charges(tenant_id, status);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		method TEXT NOT NULL,
		payer_type TEXT NOT NULL,
		unapplied_cents INTEGER NOT NULL,
		is_void INTEGER NOT NULL DEFAULT 0,
		void_reason TEXT,
		voided_at TEXT,
		voided_by TEXT,
		reference_number TEXT,
		check_number TEXT,
		note TEXT,
		received_at TEXT,
		claim_id TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_tenant_created
		ON payments(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_tenant_patient
		ON payments(tenant_id, patient_id);

	-- Allocations (hard-deleted by unapply/void). seq preserves creation
	-- order: created_at has second granularity, so same-operation rows tie.
	CREATE TABLE IF NOT EXISTS payment_allocations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		charge_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_tenant_payment
		ON payment_allocations(tenant_id, payment_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_tenant_charge
		ON payment_allocations(tenant_id, charge_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		change_summary TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant_at
		ON audit_log(tenant_id, at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. All store methods
// invoked on the provided Store run against that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every operation against an open sql.Tx. It is only used
// under the parent store's lock.
type txStore struct {
	q dbtx
}

func (t *txStore) GetCharge(ctx context.Context, tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	return getCharge(ctx, t.q, tenantID, id)
}
func (t *txStore) OpenCharges(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	return openCharges(ctx, t.q, tenantID, patientID)
}
func (t *txStore) ChargesByPatient(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	return chargesByPatient(ctx, t.q, tenantID, patientID)
}
func (t *txStore) InsertCharge(ctx context.Context, c ledger.Charge) error {
	return insertCharge(ctx, t.q, c)
}
func (t *txStore) UpdateCharge(ctx context.Context, c *ledger.Charge) error {
	return updateCharge(ctx, t.q, c)
}
func (t *txStore) GetPayment(ctx context.Context, tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	return getPayment(ctx, t.q, tenantID, id)
}
func (t *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	return insertPayment(ctx, t.q, p)
}
func (t *txStore) UpdatePayment(ctx context.Context, p *ledger.Payment) error {
	return updatePayment(ctx, t.q, p)
}
func (t *txStore) ListPayments(ctx context.Context, tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	return listPayments(ctx, t.q, tenantID, f, page)
}
func (t *txStore) GetAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	return getAllocation(ctx, t.q, tenantID, id)
}
func (t *txStore) AllocationsForPayment(ctx context.Context, tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	return allocationsForPayment(ctx, t.q, tenantID, paymentID)
}
func (t *txStore) AllocationsForCharge(ctx context.Context, tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	return allocationsForCharge(ctx, t.q, tenantID, chargeID)
}
func (t *txStore) InsertAllocation(ctx context.Context, a ledger.PaymentAllocation) error {
	return insertAllocation(ctx, t.q, a)
}
func (t *txStore) DeleteAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) error {
	return deleteAllocation(ctx, t.q, tenantID, id)
}
func (t *txStore) PatientExists(ctx context.Context, tenantID ledger.TenantID, id ledger.PatientID) (bool, error) {
	return patientExists(ctx, t.q, tenantID, id)
}

// =============================================================================
// DIRECT STORE METHODS (outside a transaction)
// =============================================================================

func (s *Store) GetCharge(ctx context.Context, tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCharge(ctx, s.db, tenantID, id)
}

func (s *Store) OpenCharges(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return openCharges(ctx, s.db, tenantID, patientID)
}

func (s *Store) ChargesByPatient(ctx context.Context, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chargesByPatient(ctx, s.db, tenantID, patientID)
}

func (s *Store) InsertCharge(ctx context.Context, c ledger.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertCharge(ctx, s.db, c)
}

func (s *Store) UpdateCharge(ctx context.Context, c *ledger.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateCharge(ctx, s.db, c)
}

func (s *Store) GetPayment(ctx context.Context, tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, tenantID, id)
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayment(ctx, s.db, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p *ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePayment(ctx, s.db, p)
}

func (s *Store) ListPayments(ctx context.Context, tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, tenantID, f, page)
}

func (s *Store) GetAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAllocation(ctx, s.db, tenantID, id)
}

func (s *Store) AllocationsForPayment(ctx context.Context, tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocationsForPayment(ctx, s.db, tenantID, paymentID)
}

func (s *Store) AllocationsForCharge(ctx context.Context, tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocationsForCharge(ctx, s.db, tenantID, chargeID)
}

func (s *Store) InsertAllocation(ctx context.Context, a ledger.PaymentAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAllocation(ctx, s.db, a)
}

func (s *Store) DeleteAllocation(ctx context.Context, tenantID ledger.TenantID, id ledger.AllocationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteAllocation(ctx, s.db, tenantID, id)
}

func (s *Store) PatientExists(ctx context.Context, tenantID ledger.TenantID, id ledger.PatientID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return patientExists(ctx, s.db, tenantID, id)
}

// SavePatient upserts a patient record. The patient CRUD collaborator
// owns this table; the ledger only needs it for ownership checks and
// test/dev seeding.
func (s *Store) SavePatient(ctx context.Context, tenantID ledger.TenantID, id ledger.PatientID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (tenant_id, id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name`,
		tenantID, id, name, time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, tenant_id, patient_id, encounter_id, service_date,
	fee_per_unit_cents, units, payments_applied_cents, adjustments_cents,
	balance_cents, status, version, created_at, updated_at`

func getCharge(ctx context.Context, q dbtx, tenantID ledger.TenantID, id ledger.ChargeID) (*ledger.Charge, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE id = ? AND tenant_id = ?`,
		id, tenantID)

	c, err := scanCharge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func openCharges(ctx context.Context, q dbtx, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	// Ordered oldest-first: auto-allocation consumes this slice in order.
	rows, err := q.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges
		 WHERE tenant_id = ? AND patient_id = ?
		   AND status IN ('PENDING', 'BILLED') AND balance_cents > 0
		 ORDER BY service_date ASC, id ASC`,
		tenantID, patientID)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func chargesByPatient(ctx context.Context, q dbtx, tenantID ledger.TenantID, patientID ledger.PatientID) ([]ledger.Charge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+chargeColumns+` FROM charges
		 WHERE tenant_id = ? AND patient_id = ?
		 ORDER BY service_date ASC, id ASC`,
		tenantID, patientID)
	if err != nil {
		return nil, err
	}
	return collectCharges(rows)
}

func insertCharge(ctx context.Context, q dbtx, c ledger.Charge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO charges
		(id, tenant_id, patient_id, encounter_id, service_date, fee_per_unit_cents,
		 units, payments_applied_cents, adjustments_cents, balance_cents, status,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.PatientID, c.EncounterID,
		c.ServiceDate.UTC().Format(time.RFC3339),
		c.FeePerUnit.Cents(), c.Units,
		c.PaymentsApplied.Cents(), c.Adjustments.Cents(), c.Balance.Cents(),
		c.Status, c.Version,
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

func updateCharge(ctx context.Context, q dbtx, c *ledger.Charge) error {
	res, err := q.ExecContext(ctx, `
		UPDATE charges SET
			payments_applied_cents = ?, adjustments_cents = ?, balance_cents = ?,
			status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		c.PaymentsApplied.Cents(), c.Adjustments.Cents(), c.Balance.Cents(),
		c.Status, c.UpdatedAt.UTC().Format(time.RFC3339),
		c.ID, c.TenantID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return staleOrMissing(ctx, q, "charge", "charges", string(c.ID), string(c.TenantID))
	}
	c.Version++
	return nil
}

func scanCharge(row interface{ Scan(dest ...any) error }) (*ledger.Charge, error) {
	var (
		c                      ledger.Charge
		encounterID            sql.NullString
		serviceDate            string
		feeCents, appliedCents int64
		adjCents, balanceCents int64
		createdAt, updatedAt   string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.PatientID, &encounterID, &serviceDate,
		&feeCents, &c.Units, &appliedCents, &adjCents, &balanceCents,
		&c.Status, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.EncounterID = encounterID.String
	c.ServiceDate, _ = time.Parse(time.RFC3339, serviceDate)
	c.FeePerUnit = ledger.Cents(feeCents)
	c.PaymentsApplied = ledger.Cents(appliedCents)
	c.Adjustments = ledger.Cents(adjCents)
	c.Balance = ledger.Cents(balanceCents)
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

func collectCharges(rows *sql.Rows) ([]ledger.Charge, error) {
	defer rows.Close()
	var charges []ledger.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, *c)
	}
	return charges, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, tenant_id, patient_id, amount_cents, method, payer_type,
	unapplied_cents, is_void, void_reason, voided_at, voided_by,
	reference_number, check_number, note, received_at, claim_id,
	version, created_at, updated_at`

func getPayment(ctx context.Context, q dbtx, tenantID ledger.TenantID, id ledger.PaymentID) (*ledger.Payment, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ? AND tenant_id = ?`,
		id, tenantID)

	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func insertPayment(ctx context.Context, q dbtx, p ledger.Payment) error {
	var receivedAt, voidedAt *string
	if p.Metadata.ReceivedAt != nil {
		v := p.Metadata.ReceivedAt.UTC().Format(time.RFC3339)
		receivedAt = &v
	}
	if p.VoidedAt != nil {
		v := p.VoidedAt.UTC().Format(time.RFC3339)
		voidedAt = &v
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO payments
		(id, tenant_id, patient_id, amount_cents, method, payer_type, unapplied_cents,
		 is_void, void_reason, voided_at, voided_by, reference_number, check_number,
		 note, received_at, claim_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.PatientID, p.Amount.Cents(), p.Method, p.PayerType,
		p.UnappliedAmount.Cents(), boolToInt(p.IsVoid), p.VoidReason, voidedAt, p.VoidedBy,
		p.Metadata.ReferenceNumber, p.Metadata.CheckNumber, p.Metadata.Note,
		receivedAt, p.ClaimID, p.Version,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func updatePayment(ctx context.Context, q dbtx, p *ledger.Payment) error {
	var receivedAt, voidedAt *string
	if p.Metadata.ReceivedAt != nil {
		v := p.Metadata.ReceivedAt.UTC().Format(time.RFC3339)
		receivedAt = &v
	}
	if p.VoidedAt != nil {
		v := p.VoidedAt.UTC().Format(time.RFC3339)
		voidedAt = &v
	}

	res, err := q.ExecContext(ctx, `
		UPDATE payments SET
			unapplied_cents = ?, is_void = ?, void_reason = ?, voided_at = ?,
			voided_by = ?, reference_number = ?, check_number = ?, note = ?,
			received_at = ?, claim_id = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		p.UnappliedAmount.Cents(), boolToInt(p.IsVoid), p.VoidReason, voidedAt,
		p.VoidedBy, p.Metadata.ReferenceNumber, p.Metadata.CheckNumber,
		p.Metadata.Note, receivedAt, p.ClaimID,
		p.UpdatedAt.UTC().Format(time.RFC3339),
		p.ID, p.TenantID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return staleOrMissing(ctx, q, "payment", "payments", string(p.ID), string(p.TenantID))
	}
	p.Version++
	return nil
}

func listPayments(ctx context.Context, q dbtx, tenantID ledger.TenantID, f ledger.PaymentFilter, page ledger.Page) ([]ledger.Payment, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if !f.IncludeVoid {
		where = append(where, "is_void = 0")
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.PayerType != "" {
		where = append(where, "payer_type = ?")
		args = append(args, f.PayerType)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	clause := strings.Join(where, " AND ")

	var total int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if page.Limit <= 0 {
		page.Limit = 50
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + clause +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := q.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, total, rows.Err()
}

func scanPayment(row interface{ Scan(dest ...any) error }) (*ledger.Payment, error) {
	var (
		p                           ledger.Payment
		amountCents, unappliedCents int64
		isVoid                      int
		voidReason, voidedAt        sql.NullString
		voidedBy, refNum, checkNum  sql.NullString
		note, receivedAt, claimID   sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.PatientID, &amountCents, &p.Method,
		&p.PayerType, &unappliedCents, &isVoid, &voidReason, &voidedAt, &voidedBy,
		&refNum, &checkNum, &note, &receivedAt, &claimID,
		&p.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Amount = ledger.Cents(amountCents)
	p.UnappliedAmount = ledger.Cents(unappliedCents)
	p.IsVoid = isVoid != 0
	p.VoidReason = voidReason.String
	p.VoidedBy = voidedBy.String
	p.Metadata.ReferenceNumber = refNum.String
	p.Metadata.CheckNumber = checkNum.String
	p.Metadata.Note = note.String
	p.ClaimID = claimID.String
	if voidedAt.Valid {
		t, _ := time.Parse(time.RFC3339, voidedAt.String)
		p.VoidedAt = &t
	}
	if receivedAt.Valid {
		t, _ := time.Parse(time.RFC3339, receivedAt.String)
		p.Metadata.ReceivedAt = &t
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func getAllocation(ctx context.Context, q dbtx, tenantID ledger.TenantID, id ledger.AllocationID) (*ledger.PaymentAllocation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, tenant_id, payment_id, charge_id, amount_cents, created_at
		 FROM payment_allocations WHERE id = ? AND tenant_id = ?`,
		id, tenantID)

	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func allocationsForPayment(ctx context.Context, q dbtx, tenantID ledger.TenantID, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, tenant_id, payment_id, charge_id, amount_cents, created_at
		 FROM payment_allocations
		 WHERE tenant_id = ? AND payment_id = ?
		 ORDER BY seq ASC`,
		tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	return collectAllocations(rows)
}

func allocationsForCharge(ctx context.Context, q dbtx, tenantID ledger.TenantID, chargeID ledger.ChargeID) ([]ledger.PaymentAllocation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, tenant_id, payment_id, charge_id, amount_cents, created_at
		 FROM payment_allocations
		 WHERE tenant_id = ? AND charge_id = ?
		 ORDER BY seq ASC`,
		tenantID, chargeID)
	if err != nil {
		return nil, err
	}
	return collectAllocations(rows)
}

func insertAllocation(ctx context.Context, q dbtx, a ledger.PaymentAllocation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_allocations (id, tenant_id, payment_id, charge_id, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.PaymentID, a.ChargeID, a.Amount.Cents(),
		a.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func deleteAllocation(ctx context.Context, q dbtx, tenantID ledger.TenantID, id ledger.AllocationID) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM payment_allocations WHERE id = ? AND tenant_id = ?`,
		id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "allocation", ID: string(id)}
	}
	return nil
}

func scanAllocation(row interface{ Scan(dest ...any) error }) (*ledger.PaymentAllocation, error) {
	var (
		a           ledger.PaymentAllocation
		amountCents int64
		createdAt   string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.PaymentID, &a.ChargeID, &amountCents, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Amount = ledger.Cents(amountCents)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func collectAllocations(rows *sql.Rows) ([]ledger.PaymentAllocation, error) {
	defer rows.Close()
	var allocations []ledger.PaymentAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocations = append(allocations, *a)
	}
	return allocations, rows.Err()
}

// =============================================================================
// PATIENTS
// =============================================================================

func patientExists(ctx context.Context, q dbtx, tenantID ledger.TenantID, id ledger.PatientID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patients WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&count)
	return count > 0, err
}

// =============================================================================
// AUDIT LOG (ledger.AuditLog)
// =============================================================================

// Append persists one audit entry.
func (s *Store) Append(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, action, entity_id, change_summary, actor_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entry.TenantID, entry.Action, entry.EntityID,
		entry.ChangeSummary, entry.ActorID,
		entry.At.UTC().Format(time.RFC3339))
	return err
}

// RecentAuditEntries returns the newest limit audit rows for a tenant.
func (s *Store) RecentAuditEntries(ctx context.Context, tenantID ledger.TenantID, limit int) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, action, entity_id, change_summary, actor_id, at
		FROM audit_log WHERE tenant_id = ?
		ORDER BY at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var e ledger.AuditEntry
		var at string
		if err := rows.Scan(&e.TenantID, &e.Action, &e.EntityID, &e.ChangeSummary, &e.ActorID, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// staleOrMissing decides whether a zero-row update means the row is
// gone (NotFound) or was modified concurrently (Conflict).
func staleOrMissing(ctx context.Context, q dbtx, kind, table, id, tenantID string) error {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE id = ? AND tenant_id = ?`,
		id, tenantID).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return &ledger.ConflictError{Kind: kind, ID: id}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payment_allocations", "payments", "charges", "patients", "audit_log"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
