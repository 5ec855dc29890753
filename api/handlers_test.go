/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Ledger CRUD driving allocation, reallocation and reversal
- Manual payments and the settled marker
- Outstanding preview (dry run)
- Reconcile endpoints and the run log
- Async dispatch
- Error to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-allocator/engine"
	memstore "github.com/warp/payment-allocator/engine/store"
)

type testServer struct {
	handler *Handler
	store   *memstore.Memory
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s := memstore.NewMemory()
	orch := engine.NewOrchestrator(s)
	orch.Logger = logger
	h := NewHandler(s, orch, logger)
	return &testServer{handler: h, store: s, router: NewRouter(h)}
}

// seedSupplier creates A(300, Jan 1) and B(500, Jan 2) for supplier S.
func (ts *testServer) seedSupplier(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i, o := range []struct {
		id     string
		amount string
	}{{"A", "300"}, {"B", "500"}} {
		date := time.Date(2025, time.January, i+1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, ts.store.SaveOrder(ctx, engine.Order{
			ID:               o.id,
			Date:             date,
			Role:             engine.RoleSupplier,
			CounterpartyName: "S",
			ExpenseAmount:    decimal.RequireFromString(o.amount),
			CreatedAt:        date,
		}))
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) outstanding(t *testing.T, orderID string) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[OrderDTO](t, rec).Outstanding.String()
}

func debitRequest(id, amount string) LedgerEntryRequest {
	return LedgerEntryRequest{
		ID:               id,
		Direction:        "debit",
		Amount:           decimal.RequireFromString(amount),
		Date:             "2025-01-10",
		CounterpartyKind: "supplier",
		CounterpartyName: "S",
	}
}

// =============================================================================
// LEDGER CRUD
// =============================================================================

func TestCreateLedgerEntry_AllocatesOldestFirst(t *testing.T) {
	// GIVEN: A(300) and B(500) for supplier S
	ts := newTestServer(t)
	ts.seedSupplier(t)

	// WHEN: a 700 debit is created
	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700"))

	// THEN: A is fully paid, B has 100 outstanding
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[LedgerEntryResponse](t, rec)
	require.NotNil(t, resp.Allocation)
	assert.Equal(t, "allocated", resp.Allocation.State)
	require.Len(t, resp.Allocation.Allocations, 2)
	assert.Equal(t, "A", resp.Allocation.Allocations[0].OrderID)
	assert.Equal(t, "300", resp.Allocation.Allocations[0].Amount.String())
	assert.Equal(t, "400", resp.Allocation.Allocations[1].Amount.String())
	assert.Empty(t, resp.Allocation.Error)

	assert.Equal(t, "0", ts.outstanding(t, "A"))
	assert.Equal(t, "100", ts.outstanding(t, "B"))
}

func TestCreateLedgerEntry_ReportsUnallocatedRemainder(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "1000"))

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[LedgerEntryResponse](t, rec)
	assert.Equal(t, "200", resp.Allocation.Unallocated.String())
}

func TestCreateLedgerEntry_GeneratesID(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	req := debitRequest("", "100")
	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[LedgerEntryResponse](t, rec)
	assert.NotEmpty(t, resp.Entry.ID)
	assert.Equal(t, resp.Entry.ID, resp.Allocation.LedgerEntryID)
}

func TestCreateLedgerEntry_Validation(t *testing.T) {
	ts := newTestServer(t)

	cases := map[string]LedgerEntryRequest{
		"zero amount": debitRequest("L1", "0"),
		"bad date": func() LedgerEntryRequest {
			r := debitRequest("L1", "10")
			r.Date = "10/01/2025"
			return r
		}(),
		"bad direction": func() LedgerEntryRequest {
			r := debitRequest("L1", "10")
			r.Direction = "sideways"
			return r
		}(),
		"kind mismatch": func() LedgerEntryRequest {
			r := debitRequest("L1", "10")
			r.CounterpartyKind = "party"
			return r
		}(),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/ledger-entries", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/ledger-entries", nil)
	assert.Empty(t, decode[[]LedgerEntryDTO](t, rec), "rejected entries are not stored")
}

func TestCreateLedgerEntry_DuplicateID(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "100")).Code)
	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "100"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateLedgerEntry_NoCounterpartySkipped(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	req := debitRequest("L1", "100")
	req.CounterpartyKind = ""
	req.CounterpartyName = ""
	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "skipped", decode[LedgerEntryResponse](t, rec).Allocation.State)
	assert.Equal(t, "300", ts.outstanding(t, "A"))
}

func TestUpdateLedgerEntry_Reallocates(t *testing.T) {
	// GIVEN: L1 = 700 already distributed
	ts := newTestServer(t)
	ts.seedSupplier(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700")).Code)

	// WHEN: the amount drops to 200
	rec := ts.do(t, http.MethodPut, "/api/ledger-entries/L1", debitRequest("", "200"))

	// THEN: only A carries a payment
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LedgerEntryResponse](t, rec)
	assert.Equal(t, "L1", resp.Entry.ID)
	assert.Equal(t, "200", resp.Entry.Amount.String())
	assert.Equal(t, "100", ts.outstanding(t, "A"))
	assert.Equal(t, "500", ts.outstanding(t, "B"))
}

func TestUpdateLedgerEntry_Missing(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/ledger-entries/nope", debitRequest("", "200"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteLedgerEntry_ReversesPayments(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700")).Code)

	rec := ts.do(t, http.MethodDelete, "/api/ledger-entries/L1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LedgerEntryResponse](t, rec)
	assert.Equal(t, "reversed", resp.Allocation.State)
	assert.Equal(t, 2, resp.Allocation.Reversed)
	assert.Equal(t, "300", ts.outstanding(t, "A"))
	assert.Equal(t, "500", ts.outstanding(t, "B"))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/ledger-entries/L1", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/ledger-entries/L1", nil).Code)
}

// =============================================================================
// ORDERS
// =============================================================================

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{
		ID:               "A",
		Date:             "2025-01-01",
		Role:             "supplier",
		CounterpartyName: "S",
		ExpenseAmount:    decimal.RequireFromString("300.50"),
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decode[OrderDTO](t, rec)
	assert.Equal(t, "300.5", dto.Outstanding.String())
	assert.Empty(t, dto.PaymentRecords)

	bad := ts.do(t, http.MethodPost, "/api/orders", CreateOrderRequest{
		Date: "2025-01-01", Role: "vendor", CounterpartyName: "S", ExpenseAmount: decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestManualPayment_IsLeftAlone(t *testing.T) {
	// GIVEN: 100 paid on A by hand
	ts := newTestServer(t)
	ts.seedSupplier(t)
	rec := ts.do(t, http.MethodPost, "/api/orders/A/payments", ManualPaymentRequest{
		Amount: decimal.NewFromInt(100), Date: "2025-01-05", Note: "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: a 700 debit is created, then deleted
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700")).Code)
	assert.Equal(t, "0", ts.outstanding(t, "A"))
	assert.Equal(t, "0", ts.outstanding(t, "B"))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/ledger-entries/L1", nil).Code)

	// THEN: the manual record survives
	order := decode[OrderDTO](t, ts.do(t, http.MethodGet, "/api/orders/A", nil))
	require.Len(t, order.PaymentRecords, 1)
	assert.Equal(t, "cash", order.PaymentRecords[0].Note)
	assert.Empty(t, order.PaymentRecords[0].LedgerEntryID)
	assert.Equal(t, "200", order.Outstanding.String())
}

func TestManualPayment_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	rec := ts.do(t, http.MethodPost, "/api/orders/A/payments", ManualPaymentRequest{Amount: decimal.Zero, Date: "2025-01-05"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/orders/nope/payments", ManualPaymentRequest{Amount: decimal.NewFromInt(1), Date: "2025-01-05"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualPayment_RejectsOverpayment(t *testing.T) {
	// GIVEN: a 700 debit filling A(300) and taking 400 of B(500)
	ts := newTestServer(t)
	ts.seedSupplier(t)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700")).Code)

	// WHEN: paying 200 by hand on the full A, and 150 on B with 100 left
	recA := ts.do(t, http.MethodPost, "/api/orders/A/payments", ManualPaymentRequest{Amount: decimal.NewFromInt(200), Date: "2025-01-05"})
	recB := ts.do(t, http.MethodPost, "/api/orders/B/payments", ManualPaymentRequest{Amount: decimal.NewFromInt(150), Date: "2025-01-05"})

	// THEN: both are rejected and no order is paid beyond its expense
	assert.Equal(t, http.StatusBadRequest, recA.Code)
	assert.Equal(t, http.StatusBadRequest, recB.Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/counterparties/supplier/S/reconcile", nil).Code)
	for _, id := range []string{"A", "B"} {
		order := decode[OrderDTO](t, ts.do(t, http.MethodGet, "/api/orders/"+id, nil))
		assert.False(t, order.Paid.GreaterThan(order.ExpenseAmount), "order %s overpaid", id)
	}

	// AND: paying exactly the remaining balance is accepted
	rec := ts.do(t, http.MethodPost, "/api/orders/B/payments", ManualPaymentRequest{Amount: decimal.NewFromInt(100), Date: "2025-01-05"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "0", ts.outstanding(t, "B"))
}

func TestSettleOrder_ExcludesFromAllocation(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	rec := ts.do(t, http.MethodPost, "/api/orders/A/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[OrderDTO](t, rec).Settled)

	resp := decode[LedgerEntryResponse](t, ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "300")))
	require.Len(t, resp.Allocation.Allocations, 1)
	assert.Equal(t, "B", resp.Allocation.Allocations[0].OrderID)

	rec = ts.do(t, http.MethodPost, "/api/orders/A/settle", SettleRequest{Settled: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[OrderDTO](t, rec).Settled)
}

func TestListOrders_Filters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	all := decode[[]OrderDTO](t, ts.do(t, http.MethodGet, "/api/orders", nil))
	assert.Len(t, all, 2)

	none := decode[[]OrderDTO](t, ts.do(t, http.MethodGet, "/api/orders?role=party", nil))
	assert.Empty(t, none)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/orders?role=vendor", nil).Code)
}

// =============================================================================
// COUNTERPARTIES
// =============================================================================

func TestGetOutstanding_PreviewWritesNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	rec := ts.do(t, http.MethodGet, "/api/counterparties/supplier/S/outstanding?amount=1000", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decode[OutstandingDTO](t, rec)
	assert.Equal(t, "800", dto.Total.String())
	require.Len(t, dto.Orders, 2)
	assert.Equal(t, "A", dto.Orders[0].OrderID)
	require.NotNil(t, dto.Preview)
	assert.Len(t, dto.Preview.Allocations, 2)
	assert.Equal(t, "200", dto.Preview.Remainder.String())

	assert.Equal(t, "300", ts.outstanding(t, "A"))
}

func TestGetOutstanding_BadInput(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/counterparties/vendor/S/outstanding", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/counterparties/supplier/S/outstanding?amount=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/counterparties/supplier/S/outstanding?amount=-5", nil).Code)
}

func TestListCounterparties(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)

	cps := decode[[]CounterpartyDTO](t, ts.do(t, http.MethodGet, "/api/counterparties", nil))
	assert.Equal(t, []CounterpartyDTO{{Name: "S", Role: "supplier"}}, cps)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// plantOrphan tags a record on A with an id that has no ledger entry.
func (ts *testServer) plantOrphan(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.store.PatchOrderPayments(context.Background(), "A", []engine.PaymentRecord{
		{ID: "p-ghost", Amount: decimal.NewFromInt(50), Date: time.Now().UTC(), LedgerEntryID: "ghost"},
	}))
}

func TestReconcileCounterparty_StripsOrphans(t *testing.T) {
	// GIVEN: an orphan record tagged with a deleted entry
	ts := newTestServer(t)
	ts.seedSupplier(t)
	ts.plantOrphan(t)
	require.Equal(t, "250", ts.outstanding(t, "A"))

	// WHEN: reconciling the supplier
	rec := ts.do(t, http.MethodPost, "/api/counterparties/supplier/S/reconcile", nil)

	// THEN: the orphan is gone and the run is logged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ReconcileReportDTO](t, rec)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, "50", report.RemovedAmount.String())
	assert.Equal(t, "300", ts.outstanding(t, "A"))

	runs := decode[[]ReconciliationRunDTO](t, ts.do(t, http.MethodGet, "/api/reconciliation/runs?limit=1", nil))
	require.Len(t, runs, 1)
	assert.Equal(t, "repaired", runs[0].Status)
	assert.Equal(t, "manual", runs[0].Trigger)
}

func TestReconcileAll(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)
	ts.plantOrphan(t)

	rec := ts.do(t, http.MethodPost, "/api/reconciliation/run", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReconcileAllResponse](t, rec)
	require.Len(t, resp.Reports, 1)
	assert.Equal(t, 1, resp.Reports[0].Removed)
	assert.Empty(t, resp.Error)
}

func TestListReconciliationRuns_BadLimit(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/reconciliation/runs?limit=x", nil).Code)
}

// =============================================================================
// ASYNC DISPATCH
// =============================================================================

func TestAsyncDispatch(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSupplier(t)
	ts.handler.Async = true

	rec := ts.do(t, http.MethodPost, "/api/ledger-entries", debitRequest("L1", "700"))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[LedgerEntryResponse](t, rec)
	assert.True(t, resp.AllocationPending)
	assert.Nil(t, resp.Allocation)

	ts.handler.Wait()
	assert.Equal(t, "100", ts.outstanding(t, "B"))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&engine.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest},
		{engine.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("get: %w", engine.ErrNotFound), http.StatusNotFound},
		{engine.ErrLockNotObtained, http.StatusConflict},
		{&engine.StoreError{Op: "scan", Err: errors.New("conn reset")}, http.StatusServiceUnavailable},
		{&engine.PartialFailureError{Op: "allocate", Failed: map[string]error{"A": errors.New("x")}}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
