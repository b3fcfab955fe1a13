/*
main.go - Operator CLI

PURPOSE:

	The day-two surface against a ledger database:

	  ledgerctl -db ledger.db diagnose
	  ledgerctl -db ledger.db outbox process -n 20
	  ledgerctl -db ledger.db dlq list
	  ledgerctl -db ledger.db dlq retry <event-id>
	  ledgerctl -db ledger.db close-period 2025-03-15
	  ledgerctl -db ledger.db validate import.json

EXIT CODES:

	0 success
	1 validation failure
	2 diagnostic gate failure
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/config"
	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/migration"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/sagas"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

const (
	exitOK         = 0
	exitValidation = 1
	exitGateFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	org := flag.String("org", "default", "organization id")
	cfgFlags := config.Bind(flag.CommandLine)
	flag.Parse()
	cfg := cfgFlags.Resolve()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return exitValidation
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return exitValidation
	}
	defer log.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open database:", err)
		return exitValidation
	}
	defer store.Close()

	ctx := context.Background()
	periods := period.NewManager(store)
	ledgerSvc := ledger.NewService(store, periods).WithEpsilon(cfg.BalanceVarianceEpsilon)
	ob := outbox.New(store)
	canary := diagnostics.NewCanary(store, log)
	canary.TrustEpsilon = cfg.TrustIntegrityEpsilon
	engine := saga.NewEngine(store, ob, log)

	switch args[0] {
	case "diagnose":
		return cmdDiagnose(ctx, canary, *org)

	case "outbox":
		if len(args) >= 2 && args[1] == "process" {
			n := 1
			if len(args) >= 4 && args[2] == "-n" {
				n, _ = strconv.Atoi(args[3])
			}
			return cmdOutboxProcess(ctx, store, ob, engine, ledgerSvc, periods, canary, log, cfg, *org, n)
		}
		usage()
		return exitValidation

	case "dlq":
		if len(args) >= 2 && args[1] == "list" {
			return cmdDLQList(ctx, ob, *org)
		}
		if len(args) >= 3 && args[1] == "retry" {
			return cmdDLQRetry(ctx, ob, args[2])
		}
		usage()
		return exitValidation

	case "close-period":
		if len(args) < 2 {
			usage()
			return exitValidation
		}
		return cmdClosePeriod(ctx, canary, periods, ob, *org, args[1])

	case "validate":
		if len(args) < 2 {
			usage()
			return exitValidation
		}
		return cmdValidate(ctx, store, args[1])
	}

	usage()
	return exitValidation
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ledgerctl [-db path] [-org id] <command>

commands:
  diagnose                      run the integrity canary
  outbox process -n <count>     claim and process up to n batches
  dlq list                      list dead-lettered events
  dlq retry <event-id>          rehydrate a dead-lettered event
  close-period <YYYY-MM-DD>     gate and close the period containing the date
  validate <file>               run the migration validator on an import file`)
}

func cmdDiagnose(ctx context.Context, canary *diagnostics.Canary, org string) int {
	report := canary.RunAll(ctx, org)
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Passed {
		return exitGateFailed
	}
	return exitOK
}

func cmdOutboxProcess(ctx context.Context, store *sqlite.Store, ob *outbox.Outbox, engine *saga.Engine,
	ledgerSvc *ledger.Service, periods *period.Manager, canary *diagnostics.Canary,
	log *zap.Logger, cfg config.Config, org string, batches int) int {

	chart, err := sagas.EnsureChart(ctx, store, ledger.OrgID(org))
	if err != nil {
		fmt.Fprintln(os.Stderr, "chart bootstrap failed:", err)
		return exitValidation
	}
	svc := &sagas.Services{
		Ledger: ledgerSvc, Compliance: compliance.NewService(store), Periods: periods,
		Canary: canary, Outbox: ob, Engine: engine, Store: store, Chart: chart,
	}
	sagas.RegisterAll(svc)

	worker := outbox.NewWorker(ob, log, cfg.OutboxBatchSize, cfg.OutboxLockDuration, cfg.OutboxPollInterval)
	worker.Register(outbox.EventSagaStepReady, engine.Handler())

	total := 0
	for i := 0; i < batches; i++ {
		n := worker.ProcessOnce(ctx)
		total += n
		if n == 0 {
			break
		}
	}
	fmt.Printf("processed %d events\n", total)
	return exitOK
}

func cmdDLQList(ctx context.Context, ob *outbox.Outbox, org string) int {
	events, err := ob.ListDeadLetters(ctx, org, 100)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to list dead letters:", err)
		return exitValidation
	}
	for _, e := range events {
		fmt.Printf("%s  %-32s attempts=%d  %s\n", e.ID, e.EventType, e.Attempts, e.LastError)
	}
	if len(events) == 0 {
		fmt.Println("dead-letter queue is empty")
	}
	return exitOK
}

func cmdDLQRetry(ctx context.Context, ob *outbox.Outbox, id string) int {
	fresh, err := ob.RetryDeadLetter(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "retry failed:", err)
		return exitValidation
	}
	fmt.Printf("requeued as %s\n", fresh.ID)
	return exitOK
}

func cmdClosePeriod(ctx context.Context, canary *diagnostics.Canary, periods *period.Manager,
	ob *outbox.Outbox, org, dateStr string) int {

	date, err := parseDate(dateStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid date:", dateStr)
		return exitValidation
	}
	if _, err := canary.Gate(ctx, org); err != nil {
		fmt.Fprintln(os.Stderr, "diagnostic gate failed:", err)
		return exitGateFailed
	}
	p, err := periods.Close(ctx, org, date, "ledgerctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, "close failed:", err)
		return exitValidation
	}
	if _, err := ob.Emit(ctx, outbox.EmitInput{
		OrgID: org, EventType: outbox.EventPeriodClosed,
		AggregateType: "period", AggregateID: p.ID,
		Payload: map[string]any{
			"period_id": p.ID,
			"start":     p.Start.Format("2006-01-02"),
			"end":       p.End.Format("2006-01-02"),
			"closed_by": "ledgerctl",
		},
	}); err != nil {
		fmt.Fprintln(os.Stderr, "close event emission failed:", err)
		return exitValidation
	}
	fmt.Printf("closed period %s\n", p)
	return exitOK
}

func cmdValidate(ctx context.Context, store *sqlite.Store, path string) int {
	validator := migration.NewValidator(store)
	res, err := validator.ValidateFile(ctx, path)
	if res != nil {
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "validation failed:", err)
		return exitValidation
	}
	return exitOK
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
