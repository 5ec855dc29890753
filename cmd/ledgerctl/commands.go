package main

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-allocator/engine"
)

// Globals defines global flags available to all commands.
type Globals struct {
	Driver   string `help:"Database driver (sqlite or postgres)." default:"${db_driver}" enum:"sqlite,postgres"`
	DSN      string `help:"SQLite path or PostgreSQL DSN." default:"${db_dsn}"`
	LogLevel string `help:"Log level." default:"${log_level}"`
}

type Commands struct {
	Globals

	Outstanding  OutstandingCmd  `cmd:"" help:"Show a counterparty's outstanding orders, optionally previewing an allocation."`
	Reconcile    ReconcileCmd    `cmd:"" help:"Strip orphan payment records from one counterparty's orders."`
	ReconcileAll ReconcileAllCmd `cmd:"" name:"reconcile-all" help:"Reconcile every counterparty."`
	Reallocate   ReallocateCmd   `cmd:"" help:"Recompute a ledger entry's distribution from scratch."`
	Runs         RunsCmd         `cmd:"" help:"List recent reconciliation runs."`
}

// Repository is what the commands need from a store.
type Repository interface {
	engine.Repository
	engine.RunRecorder
}

// App carries the dependencies bound into every command.
type App struct {
	Store        Repository
	Orchestrator *engine.Orchestrator
	Out          io.Writer
}

type OutstandingCmd struct {
	Name   string `arg:"" help:"Counterparty name."`
	Role   string `help:"Order role." enum:"supplier,party" default:"supplier"`
	Amount string `help:"Preview distributing this amount (nothing is written)."`
}

func (cmd *OutstandingCmd) Run(app *App) error {
	ctx := context.Background()
	cp := engine.Counterparty{Name: cmd.Name, Role: engine.Role(cmd.Role)}

	queue, err := engine.ResolveOutstanding(ctx, app.Store, cp)
	if err != nil {
		return err
	}

	total := decimal.Zero
	rows := make([][]string, len(queue))
	for i, q := range queue {
		rows[i] = []string{q.Order.ID, q.Order.Date.Format("2006-01-02"), q.Outstanding.StringFixed(2)}
		total = total.Add(q.Outstanding)
	}
	printTable(app.Out, []string{"ORDER", "DATE", "OUTSTANDING"}, rows)
	printInfof(app.Out, "%s: %d open orders, %s outstanding", cp, len(queue), total.StringFixed(2))

	if cmd.Amount == "" {
		return nil
	}
	amount, err := decimal.NewFromString(cmd.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", cmd.Amount, err)
	}
	result, err := engine.Allocate(amount, queue)
	if err != nil {
		return err
	}

	rows = make([][]string, len(result.Allocations))
	for i, a := range result.Allocations {
		rows[i] = []string{a.OrderID, a.Amount.StringFixed(2), a.BalanceAfter.StringFixed(2)}
	}
	fmt.Fprintln(app.Out)
	printTable(app.Out, []string{"ORDER", "ALLOCATE", "BALANCE AFTER"}, rows)
	if result.Remainder.IsPositive() {
		printWarnf(app.Out, "%s would remain unallocated", result.Remainder.StringFixed(2))
	}
	return nil
}

type ReconcileCmd struct {
	Name string `arg:"" help:"Counterparty name."`
	Role string `help:"Order role." enum:"supplier,party" default:"supplier"`
}

func (cmd *ReconcileCmd) Run(app *App) error {
	cp := engine.Counterparty{Name: cmd.Name, Role: engine.Role(cmd.Role)}
	report, err := app.Orchestrator.Reconcile(context.Background(), cp)
	if err != nil {
		printError(app.Out, err.Error())
		return err
	}
	printReport(app.Out, report)
	return nil
}

type ReconcileAllCmd struct{}

func (cmd *ReconcileAllCmd) Run(app *App) error {
	reports, err := app.Orchestrator.ReconcileAll(context.Background(), app.Store, "manual")
	for _, r := range reports {
		printReport(app.Out, r)
	}
	if err != nil {
		printError(app.Out, err.Error())
		return err
	}
	printSuccess(app.Out, fmt.Sprintf("%d counterparties reconciled", len(reports)))
	return nil
}

type ReallocateCmd struct {
	ID string `arg:"" help:"Ledger entry id."`
}

// Run replays the entry as an update onto itself: its records are reversed
// and the amount is distributed again over the current outstanding orders.
func (cmd *ReallocateCmd) Run(app *App) error {
	ctx := context.Background()
	entry, err := app.Store.GetLedgerEntry(ctx, cmd.ID)
	if err != nil {
		return fmt.Errorf("ledger entry %s: %w", cmd.ID, err)
	}

	out := app.Orchestrator.OnLedgerEntryUpdated(ctx, entry, *entry)
	if out.Err != nil {
		printError(app.Out, out.Err.Error())
		return out.Err
	}

	rows := make([][]string, len(out.Allocations))
	for i, a := range out.Allocations {
		rows[i] = []string{a.OrderID, a.Amount.StringFixed(2), a.BalanceAfter.StringFixed(2)}
	}
	printTable(app.Out, []string{"ORDER", "ALLOCATED", "BALANCE AFTER"}, rows)
	if out.Unallocated.IsPositive() {
		printWarnf(app.Out, "%s unallocated", out.Unallocated.StringFixed(2))
	}
	printSuccess(app.Out, fmt.Sprintf("%s %s", cmd.ID, out.State))
	return nil
}

type RunsCmd struct {
	Limit int `help:"Number of runs to show." default:"20"`
}

func (cmd *RunsCmd) Run(app *App) error {
	runs, err := app.Store.ListReconciliationRuns(context.Background(), cmd.Limit)
	if err != nil {
		return err
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Counterparty.String(),
			r.Trigger,
			r.Status,
			fmt.Sprintf("%d", r.Removed),
			r.RemovedAmount.StringFixed(2),
		}
	}
	printTable(app.Out, []string{"STARTED", "COUNTERPARTY", "TRIGGER", "STATUS", "REMOVED", "AMOUNT"}, rows)
	return nil
}

func printReport(w io.Writer, r engine.ReconcileReport) {
	if r.Clean() {
		printSuccess(w, fmt.Sprintf("%s clean (%d orders scanned)", r.Counterparty, r.Scanned))
		return
	}
	printWarnf(w, "%s removed %d orphan records worth %s from %d orders",
		r.Counterparty, r.Removed, r.RemovedAmount.StringFixed(2), r.Patched)
}
