/*
handlers.go - HTTP API handlers for the payment allocation engine

PURPOSE:
  Exposes the ledger, orders and the allocation engine via REST API. Ledger
  mutations are persisted first and then handed to the orchestrator, which
  redistributes the entry over the counterparty's outstanding orders.

ENDPOINTS:
  Ledger:
    GET    /api/ledger-entries              List entries
    POST   /api/ledger-entries              Create entry, then allocate
    GET    /api/ledger-entries/{id}         Get entry
    PUT    /api/ledger-entries/{id}         Replace entry, then reallocate
    DELETE /api/ledger-entries/{id}         Delete entry, then reverse

  Orders:
    GET    /api/orders                      List (?counterparty=&role=)
    POST   /api/orders                      Create order
    GET    /api/orders/{id}                 Get order with payment records
    POST   /api/orders/{id}/payments        Append a manual payment
    POST   /api/orders/{id}/settle          Set the settled marker

  Counterparties:
    GET    /api/counterparties                              List
    GET    /api/counterparties/{role}/{name}/outstanding    Queue (+ ?amount= dry run)
    POST   /api/counterparties/{role}/{name}/reconcile      Strip orphans

  Reconciliation:
    POST   /api/reconciliation/run          Reconcile every counterparty
    GET    /api/reconciliation/runs         Run log (?limit=)

ALLOCATION FAILURES:
  The ledger mutation is the source of truth and has already committed when
  the orchestrator runs. Allocation errors are reported in the response body
  (allocation.error) with the mutation's own success status; they never turn
  a committed mutation into a 5xx.

ASYNC MODE:
  With Async set, the orchestrator runs on a detached context after the
  response is written and the response carries allocation_pending=true.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Counterparty lock not obtained
  - 503: Store unavailable or partial failure (retryable)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine/orchestrator.go: The allocation sequences
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/payment-allocator/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        engine.Repository
	Orchestrator *engine.Orchestrator
	Logger       logrus.FieldLogger

	// Async runs allocations after responding.
	Async bool

	pending sync.WaitGroup
}

// NewHandler creates a handler whose orchestrator shares the store.
func NewHandler(store engine.Repository, orch *engine.Orchestrator, logger logrus.FieldLogger) *Handler {
	if orch == nil {
		orch = engine.NewOrchestrator(store)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Logger:       logger.WithField("module", "api"),
	}
}

// Wait blocks until every asynchronous allocation has finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

// dispatch runs fn now, or in the background when Async is set. The request
// context is detached so the allocation outlives the response.
func (h *Handler) dispatch(r *http.Request, fn func(ctx context.Context) engine.Outcome) (*OutcomeDTO, bool) {
	if !h.Async {
		return toOutcomeDTO(fn(r.Context())), false
	}
	ctx := context.WithoutCancel(r.Context())
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		fn(ctx)
	}()
	return nil, true
}

// =============================================================================
// LEDGER ENTRY HANDLERS
// =============================================================================

// ListLedgerEntries returns every ledger entry.
func (h *Handler) ListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListLedgerEntries(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to list ledger entries", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLedgerEntry returns a single ledger entry.
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Store.GetLedgerEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "Failed to get ledger entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(*entry))
}

// CreateLedgerEntry persists an entry and distributes it.
// POST /api/ledger-entries
func (h *Handler) CreateLedgerEntry(w http.ResponseWriter, r *http.Request) {
	var req LedgerEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	entry, err := req.toEntry(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ledger entry", err)
		return
	}
	if _, err := h.Store.GetLedgerEntry(r.Context(), entry.ID); err == nil {
		writeError(w, http.StatusConflict, "Ledger entry already exists", nil)
		return
	}
	if err := h.Store.SaveLedgerEntry(r.Context(), entry); err != nil {
		writeStoreError(w, "Failed to create ledger entry", err)
		return
	}

	saved := h.reload(r.Context(), entry)
	outcome, pending := h.dispatch(r, func(ctx context.Context) engine.Outcome {
		return h.Orchestrator.OnLedgerEntryCreated(ctx, saved)
	})

	status := http.StatusCreated
	if pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, LedgerEntryResponse{
		Entry:             toLedgerEntryDTO(saved),
		Allocation:        outcome,
		AllocationPending: pending,
	})
}

// UpdateLedgerEntry replaces an entry and redistributes it.
// PUT /api/ledger-entries/{id}
func (h *Handler) UpdateLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req LedgerEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	previous, err := h.Store.GetLedgerEntry(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get ledger entry", err)
		return
	}

	entry, err := req.toEntry(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ledger entry", err)
		return
	}
	entry.CreatedAt = previous.CreatedAt
	if err := h.Store.SaveLedgerEntry(r.Context(), entry); err != nil {
		writeStoreError(w, "Failed to update ledger entry", err)
		return
	}

	saved := h.reload(r.Context(), entry)
	outcome, pending := h.dispatch(r, func(ctx context.Context) engine.Outcome {
		return h.Orchestrator.OnLedgerEntryUpdated(ctx, previous, saved)
	})

	status := http.StatusOK
	if pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, LedgerEntryResponse{
		Entry:             toLedgerEntryDTO(saved),
		Allocation:        outcome,
		AllocationPending: pending,
	})
}

// DeleteLedgerEntry removes an entry and reverses its payment records.
// DELETE /api/ledger-entries/{id}
func (h *Handler) DeleteLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.Store.GetLedgerEntry(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get ledger entry", err)
		return
	}
	if err := h.Store.DeleteLedgerEntry(r.Context(), id); err != nil {
		writeStoreError(w, "Failed to delete ledger entry", err)
		return
	}

	deleted := *entry
	outcome, pending := h.dispatch(r, func(ctx context.Context) engine.Outcome {
		return h.Orchestrator.OnLedgerEntryDeleted(ctx, deleted)
	})

	status := http.StatusOK
	if pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, LedgerEntryResponse{
		Entry:             toLedgerEntryDTO(deleted),
		Allocation:        outcome,
		AllocationPending: pending,
	})
}

// reload picks up store-assigned timestamps. CreatedAt feeds nothing in the
// allocation path, so a failed reload falls back to the submitted entry.
func (h *Handler) reload(ctx context.Context, entry engine.LedgerEntry) engine.LedgerEntry {
	saved, err := h.Store.GetLedgerEntry(ctx, entry.ID)
	if err != nil {
		h.Logger.WithError(err).WithField("ledger_entry_id", entry.ID).Warn("reload after save failed")
		return entry
	}
	return *saved
}

func (req LedgerEntryRequest) toEntry(id string) (engine.LedgerEntry, error) {
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		return engine.LedgerEntry{}, &engine.ValidationError{Field: "date", Message: "use YYYY-MM-DD"}
	}
	entry := engine.LedgerEntry{
		ID:               id,
		Direction:        engine.Direction(req.Direction),
		Amount:           req.Amount,
		Date:             date,
		CounterpartyKind: engine.Role(req.CounterpartyKind),
		CounterpartyName: req.CounterpartyName,
		Note:             req.Note,
		Workspace:        req.Workspace,
	}
	if err := entry.Validate(); err != nil {
		return engine.LedgerEntry{}, err
	}
	return entry, nil
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns orders, optionally filtered by counterparty and role.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := engine.OrderFilter{
		CounterpartyName: r.URL.Query().Get("counterparty"),
		Role:             engine.Role(r.URL.Query().Get("role")),
	}
	if filter.Role != "" && !filter.Role.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid role", nil)
		return
	}

	orders, err := h.Store.ScanOrders(r.Context(), filter)
	if err != nil {
		writeStoreError(w, "Failed to list orders", err)
		return
	}

	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns a single order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CreateOrder creates an order with no payments.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	role := engine.Role(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be supplier or party", nil)
		return
	}
	if req.CounterpartyName == "" {
		writeError(w, http.StatusBadRequest, "counterparty_name is required", nil)
		return
	}
	if !req.ExpenseAmount.IsPositive() {
		writeError(w, http.StatusBadRequest, "expense_amount must be positive", engine.ErrInvalidAmount)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	order := engine.Order{
		ID:               req.ID,
		Date:             date,
		Role:             role,
		CounterpartyName: req.CounterpartyName,
		ExpenseAmount:    req.ExpenseAmount,
		Workspace:        req.Workspace,
	}
	if err := h.Store.SaveOrder(r.Context(), order); err != nil {
		writeStoreError(w, "Failed to create order", err)
		return
	}

	saved, err := h.Store.GetOrder(r.Context(), order.ID)
	if err != nil {
		writeStoreError(w, "Failed to load order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(*saved))
}

// AddManualPayment appends an untagged payment record. The engine never
// touches these records. Amounts above the order's outstanding balance are
// rejected so an order is never paid beyond its expense.
// POST /api/orders/{id}/payments
func (h *Handler) AddManualPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ManualPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive", engine.ErrInvalidAmount)
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	order, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get order", err)
		return
	}

	// Hold the counterparty lock so the capacity check and the write see
	// the same records as a concurrent allocation.
	cp := engine.Counterparty{Name: order.CounterpartyName, Role: order.Role}
	unlock, err := h.Orchestrator.Locker.Lock(r.Context(), engine.LockKey(cp))
	if err != nil {
		writeStoreError(w, "Failed to lock counterparty", err)
		return
	}
	defer unlock()

	order, err = h.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get order", err)
		return
	}
	if outstanding := order.Outstanding(); req.Amount.GreaterThan(outstanding) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("amount %s exceeds outstanding balance %s", req.Amount, outstanding),
			engine.ErrInvalidAmount)
		return
	}

	records := append(order.PaymentRecords, engine.PaymentRecord{
		ID:     uuid.NewString(),
		Amount: req.Amount,
		Date:   date,
		Note:   req.Note,
	})
	if err := h.Store.PatchOrderPayments(r.Context(), id, records); err != nil {
		writeStoreError(w, "Failed to record payment", err)
		return
	}

	updated, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to load order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(*updated))
}

// SettleOrder sets or clears the manual full-settlement marker.
// POST /api/orders/{id}/settle
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// An empty body means settled=true.
	req := SettleRequest{Settled: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	order, err := h.Store.GetOrder(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get order", err)
		return
	}
	order.Settled = req.Settled
	order.UpdatedAt = time.Time{}
	if err := h.Store.SaveOrder(r.Context(), *order); err != nil {
		writeStoreError(w, "Failed to settle order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// =============================================================================
// COUNTERPARTY HANDLERS
// =============================================================================

// ListCounterparties returns every counterparty with orders or entries.
func (h *Handler) ListCounterparties(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Store.ListCounterparties(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to list counterparties", err)
		return
	}

	dtos := make([]CounterpartyDTO, len(cps))
	for i, cp := range cps {
		dtos[i] = CounterpartyDTO{Name: cp.Name, Role: string(cp.Role)}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOutstanding returns the counterparty's allocation queue. With
// ?amount=X it also returns what allocating X would do, without writing.
// GET /api/counterparties/{role}/{name}/outstanding
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	cp, ok := counterpartyParam(w, r)
	if !ok {
		return
	}

	queue, err := engine.ResolveOutstanding(r.Context(), h.Store, cp)
	if err != nil {
		writeStoreError(w, "Failed to resolve outstanding orders", err)
		return
	}

	dto := OutstandingDTO{
		Counterparty: cp.Name,
		Role:         string(cp.Role),
		Total:        decimal.Zero,
		Orders:       make([]OutstandingOrderDTO, len(queue)),
	}
	for i, q := range queue {
		dto.Orders[i] = OutstandingOrderDTO{
			OrderID:     q.Order.ID,
			Date:        q.Order.Date.Format(dateLayout),
			Outstanding: q.Outstanding,
		}
		dto.Total = dto.Total.Add(q.Outstanding)
	}

	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		result, err := engine.Allocate(amount, queue)
		if err != nil {
			writeError(w, statusFor(err), "Invalid amount", err)
			return
		}
		dto.Preview = &PreviewDTO{
			Amount:      amount,
			Allocations: toAllocationDTOs(result.Allocations),
			Remainder:   result.Remainder,
		}
	}

	writeJSON(w, http.StatusOK, dto)
}

// ReconcileCounterparty strips orphan payment records from one
// counterparty's orders.
// POST /api/counterparties/{role}/{name}/reconcile
func (h *Handler) ReconcileCounterparty(w http.ResponseWriter, r *http.Request) {
	cp, ok := counterpartyParam(w, r)
	if !ok {
		return
	}

	report, err := h.Orchestrator.Reconcile(r.Context(), cp)
	if err != nil {
		writeError(w, statusFor(err), "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

func counterpartyParam(w http.ResponseWriter, r *http.Request) (engine.Counterparty, bool) {
	cp := engine.Counterparty{
		Name: chi.URLParam(r, "name"),
		Role: engine.Role(chi.URLParam(r, "role")),
	}
	if !cp.Role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be supplier or party", nil)
		return cp, false
	}
	if cp.Name == "" {
		writeError(w, http.StatusBadRequest, "counterparty name is required", nil)
		return cp, false
	}
	return cp, true
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// ReconcileAll sweeps every counterparty. Reports for the counterparties
// that succeeded are returned even when some failed.
// POST /api/reconciliation/run
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Orchestrator.ReconcileAll(r.Context(), h.Store, "manual")

	resp := ReconcileAllResponse{Reports: make([]ReconcileReportDTO, len(reports))}
	for i, rep := range reports {
		resp.Reports[i] = toReconcileReportDTO(rep)
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

// ListReconciliationRuns returns the reconciliation log, newest first.
// GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	rec, ok := h.Store.(engine.RunRecorder)
	if !ok {
		writeJSON(w, http.StatusOK, []ReconciliationRunDTO{})
		return
	}
	runs, err := rec.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, "Failed to list reconciliation runs", err)
		return
	}

	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReconciliationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case engine.IsClientError(err):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrLockNotObtained):
		return http.StatusConflict
	case engine.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusNotFound {
		message = fmt.Sprintf("%s: not found", message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
