package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-allocator/engine"
	memstore "github.com/warp/payment-allocator/engine/store"
)

func newApp(t *testing.T) (*App, *memstore.Memory, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()

	s := memstore.NewMemory()
	for i, o := range []struct {
		id     string
		amount string
	}{{"A", "300"}, {"B", "500"}} {
		date := time.Date(2025, time.January, i+1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveOrder(ctx, engine.Order{
			ID:               o.id,
			Date:             date,
			Role:             engine.RoleSupplier,
			CounterpartyName: "S",
			ExpenseAmount:    decimal.RequireFromString(o.amount),
			CreatedAt:        date,
		}))
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	orch := engine.NewOrchestrator(s)
	orch.Logger = logger

	var out bytes.Buffer
	return &App{Store: s, Orchestrator: orch, Out: &out}, s, &out
}

func TestOutstandingCmd_Preview(t *testing.T) {
	app, _, out := newApp(t)

	cmd := &OutstandingCmd{Name: "S", Role: "supplier", Amount: "1000"}
	require.NoError(t, cmd.Run(app))

	assert.Contains(t, out.String(), "supplier:S: 2 open orders, 800.00 outstanding")
	assert.Contains(t, out.String(), "200.00 would remain unallocated")
}

func TestOutstandingCmd_BadAmount(t *testing.T) {
	app, _, _ := newApp(t)
	cmd := &OutstandingCmd{Name: "S", Role: "supplier", Amount: "lots"}
	assert.Error(t, cmd.Run(app))
}

func TestReconcileCmd_RemovesOrphans(t *testing.T) {
	app, s, out := newApp(t)
	require.NoError(t, s.PatchOrderPayments(context.Background(), "A", []engine.PaymentRecord{
		{ID: "p1", Amount: decimal.NewFromInt(40), LedgerEntryID: "ghost"},
	}))

	require.NoError(t, (&ReconcileCmd{Name: "S", Role: "supplier"}).Run(app))
	assert.Contains(t, out.String(), "removed 1 orphan records worth 40.00")

	out.Reset()
	require.NoError(t, (&ReconcileAllCmd{}).Run(app))
	assert.Contains(t, out.String(), "supplier:S clean")
	assert.Contains(t, out.String(), "1 counterparties reconciled")

	out.Reset()
	require.NoError(t, (&RunsCmd{Limit: 5}).Run(app))
	assert.Contains(t, out.String(), "repaired")
}

func TestReallocateCmd(t *testing.T) {
	app, s, out := newApp(t)
	ctx := context.Background()

	entry := engine.LedgerEntry{
		ID:               "L1",
		Direction:        engine.Debit,
		Amount:           decimal.NewFromInt(700),
		Date:             time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC),
		CounterpartyKind: engine.RoleSupplier,
		CounterpartyName: "S",
	}
	require.NoError(t, s.SaveLedgerEntry(ctx, entry))

	require.NoError(t, (&ReallocateCmd{ID: "L1"}).Run(app))
	assert.Contains(t, out.String(), "L1 allocated")

	b, err := s.GetOrder(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "100", b.Outstanding().String())

	assert.Error(t, (&ReallocateCmd{ID: "missing"}).Run(app))
}
