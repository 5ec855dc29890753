// Command ledgerctl inspects and repairs payment allocations from the shell.
//
//	ledgerctl outstanding --role=supplier ACME --amount=700
//	ledgerctl reconcile --role=supplier ACME
//	ledgerctl reconcile-all
//	ledgerctl reallocate L-1042
//	ledgerctl runs --limit=20
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/warp/payment-allocator/config"
	"github.com/warp/payment-allocator/engine"
	"github.com/warp/payment-allocator/store/postgres"
	"github.com/warp/payment-allocator/store/sqlite"
	"github.com/warp/payment-allocator/store/sqlstore"
)

var (
	// Version is set via ldflags when building.
	Version = "dev"

	cli struct {
		Version kong.VersionFlag `help:"Show version information"`
		Commands
	}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := kong.Parse(&cli,
		kong.Vars{
			"version":   Version,
			"db_driver": cfg.DBDriver,
			"db_dsn":    cfg.DBDSN,
			"log_level": cfg.LogLevel,
		},
		kong.Name("ledgerctl"),
		kong.Description("Inspect and repair ledger-to-order payment allocations."),
		kong.UsageOnError(),
	)

	cfg.DBDriver = cli.Driver
	cfg.DBDSN = cli.DSN
	cfg.LogLevel = cli.LogLevel
	cfg.LogFormat = "text"

	logger, err := config.NewLogger(cfg, os.Stderr)
	ctx.FatalIfErrorf(err)

	store, err := openStore(cfg)
	ctx.FatalIfErrorf(err)
	defer store.Close()

	orch := engine.NewOrchestrator(store)
	orch.Logger = logger

	err = ctx.Run(&App{Store: store, Orchestrator: orch, Out: ctx.Stdout})
	ctx.FatalIfErrorf(err)
}

func openStore(cfg config.Config) (*sqlstore.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(cfg.DBDSN)
	case "sqlite":
		return sqlite.New(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.DBDriver)
	}
}
