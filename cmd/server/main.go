/*
main.go - Application entry point

PURPOSE:

	Wires the accounting engine and serves the HTTP API.

STARTUP SEQUENCE:
 1. Parse command-line flags
 2. Open the SQLite store
 3. Build services: periods, ledger, outbox, canary, saga engine
 4. Register saga executors and the saga.step.ready handler
 5. Start the outbox worker and saga reaper
 6. Serve HTTP with graceful shutdown

COMMAND-LINE FLAGS:

	-port    HTTP server port (default: 8080)
	-db      SQLite database path (default: ledger.db; ":memory:" works)
	-org     bootstrap org id whose chart of accounts is ensured
	plus the outbox/saga/epsilon tunables bound by the config package

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM: stop accepting connections, stop the worker after
	its in-flight batch, close the database.

SEE ALSO:
  - api/server.go: router configuration
  - store/sqlite: database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/propmaster/ledger-engine/api"
	"github.com/propmaster/ledger-engine/compliance"
	"github.com/propmaster/ledger-engine/config"
	"github.com/propmaster/ledger-engine/diagnostics"
	"github.com/propmaster/ledger-engine/ledger"
	"github.com/propmaster/ledger-engine/outbox"
	"github.com/propmaster/ledger-engine/period"
	"github.com/propmaster/ledger-engine/saga"
	"github.com/propmaster/ledger-engine/sagas"
	"github.com/propmaster/ledger-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	org := flag.String("org", "default", "bootstrap organization id")
	cfgFlags := config.Bind(flag.CommandLine)
	flag.Parse()
	cfg := cfgFlags.Resolve()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	// Services
	periods := period.NewManager(store)
	ledgerSvc := ledger.NewService(store, periods).WithEpsilon(cfg.BalanceVarianceEpsilon)
	comp := compliance.NewService(store)
	ob := outbox.New(store)
	canary := diagnostics.NewCanary(store, log)
	canary.TrustEpsilon = cfg.TrustIntegrityEpsilon
	engine := saga.NewEngine(store, ob, log)
	engine.DefaultTimeout = cfg.SagaDefaultTimeout

	ctx := context.Background()
	chart, err := sagas.EnsureChart(ctx, store, ledger.OrgID(*org))
	if err != nil {
		log.Fatal("failed to bootstrap chart of accounts", zap.Error(err))
	}

	svc := &sagas.Services{
		Ledger:     ledgerSvc,
		Compliance: comp,
		Periods:    periods,
		Canary:     canary,
		Outbox:     ob,
		Engine:     engine,
		Store:      store,
		Chart:      chart,
	}
	sagas.RegisterAll(svc)

	// Worker: saga steps progress through the outbox.
	worker := outbox.NewWorker(ob, log, cfg.OutboxBatchSize, cfg.OutboxLockDuration, cfg.OutboxPollInterval)
	worker.Register(outbox.EventSagaStepReady, engine.Handler())
	worker.Start()
	defer worker.Stop()

	// Reaper: fail and compensate zombie sagas.
	reaperStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := engine.Reap(ctx); err != nil {
					log.Error("saga reaper failed", zap.Error(err))
				} else if n > 0 {
					log.Warn("saga reaper compensated zombies", zap.Int("count", n))
				}
			case <-reaperStop:
				return
			}
		}
	}()
	defer close(reaperStop)

	handler := api.NewHandler(svc, store)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
