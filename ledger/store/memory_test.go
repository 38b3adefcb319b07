package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/billing-engine/ledger"
	"github.com/clinic/billing-engine/ledger/store"
)

const tenant = ledger.TenantID("clinic-1")

func newMemory(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.SeedPatient(tenant, "pat-1")
	return m
}

func testCharge(id string) ledger.Charge {
	c := ledger.Charge{
		ID:          ledger.ChargeID(id),
		TenantID:    tenant,
		PatientID:   "pat-1",
		ServiceDate: time.Date(2026, time.January, 3, 0, 0, 0, 0, time.UTC),
		FeePerUnit:  ledger.Cents(7500),
		Units:       2,
		Status:      ledger.ChargeBilled,
	}
	c.Recompute(false)
	return c
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

func TestMemory_UpdateCharge_VersionConflict(t *testing.T) {
	// GIVEN: Two readers holding the same charge snapshot
	// WHEN: Both write it back
	// THEN: The first write wins; the second fails with a conflict

	m := newMemory(t)
	ctx := context.Background()
	require.NoError(t, m.InsertCharge(ctx, testCharge("chg-1")))

	first, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	second, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)

	first.PaymentsApplied = ledger.Cents(1000)
	first.Recompute(false)
	require.NoError(t, m.UpdateCharge(ctx, first))
	assert.Greater(t, first.Version, second.Version, "successful write bumps the version")

	second.PaymentsApplied = ledger.Cents(2000)
	second.Recompute(false)
	err = m.UpdateCharge(ctx, second)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	// The losing write left no trace.
	current, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	assert.True(t, current.PaymentsApplied.Equal(ledger.Cents(1000)))
}

func TestMemory_UpdateMissingCharge_NotFound(t *testing.T) {
	m := newMemory(t)
	c := testCharge("chg-ghost")
	err := m.UpdateCharge(context.Background(), &c)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// TRANSACTION SEMANTICS
// =============================================================================

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts then fails
	// WHEN: WithTx returns the error
	// THEN: Nothing inserted inside the transaction is visible

	m := newMemory(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertCharge(ctx, testCharge("chg-1")); err != nil {
			return err
		}
		// Mid-transaction reads see the uncommitted insert.
		c, err := s.GetCharge(ctx, tenant, "chg-1")
		if err != nil {
			return err
		}
		if c == nil {
			return errors.New("insert not visible inside tx")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	assert.Nil(t, c, "rolled-back insert must not be visible")
}

func TestMemory_WithTx_CommitsOnSuccess(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(s ledger.Store) error {
		return s.InsertCharge(ctx, testCharge("chg-1"))
	})
	require.NoError(t, err)

	c, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	require.NotNil(t, c)
}

// =============================================================================
// SNAPSHOT ISOLATION OF RETURNED VALUES
// =============================================================================

func TestMemory_GetChargeReturnsCopy(t *testing.T) {
	// Mutating a returned charge without calling UpdateCharge must not
	// leak into the store.
	m := newMemory(t)
	ctx := context.Background()
	require.NoError(t, m.InsertCharge(ctx, testCharge("chg-1")))

	c, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	c.PaymentsApplied = ledger.Cents(99999)

	fresh, err := m.GetCharge(ctx, tenant, "chg-1")
	require.NoError(t, err)
	assert.True(t, fresh.PaymentsApplied.IsZero())
}

// =============================================================================
// DUPLICATE KEYS
// =============================================================================

func TestMemory_DuplicateInsertRejected(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	require.NoError(t, m.InsertCharge(ctx, testCharge("chg-1")))
	assert.Error(t, m.InsertCharge(ctx, testCharge("chg-1")))
}
