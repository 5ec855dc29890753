package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-allocator/engine"
)

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveOrder(ctx, engine.Order{
		ID: "A", Role: engine.RoleSupplier, CounterpartyName: "S", ExpenseAmount: decimal.NewFromInt(10),
		PaymentRecords: []engine.PaymentRecord{{ID: "p1", Amount: decimal.NewFromInt(1)}},
	}))

	orders, err := m.GetOrders(ctx, "S", engine.RoleSupplier)
	require.NoError(t, err)
	orders[0].PaymentRecords[0].Amount = decimal.NewFromInt(99)

	got, err := m.GetOrder(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "1", got.PaymentRecords[0].Amount.String(), "callers must not mutate stored state")
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveOrder(ctx, engine.Order{ID: "A", Role: engine.RoleSupplier, CounterpartyName: "S"}))

	boom := errors.New("boom")
	m.FailPatch = func(id string) error {
		if id == "A" {
			return boom
		}
		return nil
	}
	assert.ErrorIs(t, m.PatchOrderPayments(ctx, "A", nil), boom)
	assert.ErrorIs(t, m.PatchOrderPayments(ctx, "B", nil), engine.ErrNotFound)

	m.FailScan = func() error { return boom }
	_, err := m.ScanOrders(ctx, engine.OrderFilter{})
	assert.ErrorIs(t, err, boom)
}

func TestMemory_RunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, m.SaveReconciliationRun(ctx, engine.ReconciliationRun{ID: id, StartedAt: time.Now()}))
	}

	runs, err := m.ListReconciliationRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
}

func TestTxMemory_RollbackRestoresOrders(t *testing.T) {
	ctx := context.Background()
	tm := NewTxMemory()
	require.NoError(t, tm.SaveOrder(ctx, engine.Order{ID: "A", Role: engine.RoleSupplier, CounterpartyName: "S"}))

	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s engine.Store) error {
		require.NoError(t, s.PatchOrderPayments(ctx, "A", []engine.PaymentRecord{{ID: "p1", LedgerEntryID: "L1"}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := tm.GetOrder(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, got.PaymentRecords)
}
