package main

import (
	"MarginWatch/internal/config"
	"MarginWatch/internal/eventbus"
	"MarginWatch/internal/ledger"
	"MarginWatch/internal/observability"
	"MarginWatch/internal/persistence"
	"MarginWatch/internal/server"
	"MarginWatch/internal/watcher"
	"MarginWatch/migrations"
	"context"
	"database/sql"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: MarginWatch starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	// --- Store and sinks ---
	var (
		store ledger.Store
		sinks []watcher.Sink
	)

	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	auditDone := make(chan struct{})

	switch cfg.Store {
	case config.StorePostgres:
		db := openPostgres(ctx, cfg)
		defer db.Close()

		store = persistence.NewPostgresStore(db, cfg.StoreTimeout)

		audit := persistence.NewAuditWorker(db, cfg.Audit, metrics)
		sinks = append(sinks, audit)
		go func() {
			defer close(auditDone)
			audit.Run(auditCtx)
		}()

	case config.StoreMemory:
		mem := ledger.NewMemoryStore()
		n, err := seedDemo(mem)
		if err != nil {
			log.Fatalf("FATAL: seed demo store: %v", err)
		}
		log.Printf("WARN: running against the in-memory demo store (%d accounts seeded)", n)
		store = mem
		close(auditDone)
	}

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSURL != "" {
		nc, js, err = eventbus.Connect(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")

		if err := eventbus.EnsureStreams(ctx, js, observability.NewLogger("nats")); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		sinks = append(sinks, eventbus.NewPublisher(js, cfg.StoreTimeout, metrics))
	} else {
		log.Println("WARN: MW_NATS_URL not set, risk events will not be published")
	}

	// --- Watcher and servers ---
	var srv *server.Server
	w := watcher.New(store,
		watcher.WithSinks(sinks...),
		watcher.WithMetrics(metrics),
		watcher.WithLogger(observability.NewLogger("watcher")),
		watcher.WithStateListener(func(s watcher.State) {
			srv.Health().SetReady(s == watcher.StateRunning)
		}),
	)
	srv = server.New(cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr, server.Deps{
		Watcher:  w,
		Gatherer: reg,
		AdminKey: cfg.AdminKey,
	})

	errChan := make(chan error, 3)
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTPGateway(ctx)
	}()
	go func() {
		errChan <- srv.StartMetrics(ctx)
	}()

	var subscriber *eventbus.CommandSubscriber
	if cfg.TickCommands {
		subscriber = eventbus.NewCommandSubscriber(js, w, metrics, observability.NewLogger("tick-commands"))
		if err := subscriber.Subscribe(ctx); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	if err := w.Start(ctx, cfg.Watcher); err != nil {
		log.Fatalf("FATAL: start watcher: %v", err)
	}

	log.Printf("INFO: MarginWatch ready (store=%s, interval=%s, grpc=%s, http=%s, metrics=%s)",
		cfg.Store, cfg.Watcher.TickInterval, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: server failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake first, let the in-flight tick finish, then drain the
	// audit queue before closing connections.
	if subscriber != nil {
		subscriber.Stop()
	}
	w.Stop()

	auditCancel()
	select {
	case <-auditDone:
	case <-time.After(30 * time.Second):
		log.Println("WARN: audit flush timed out")
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Printf("WARN: NATS drain: %v", err)
		}
	}

	cancel()
	log.Println("INFO: MarginWatch shutdown complete")
}

func openPostgres(ctx context.Context, cfg config.Config) *sql.DB {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}

	db.SetMaxOpenConns(cfg.Watcher.Workers + 4)
	db.SetMaxIdleConns(cfg.Watcher.Workers)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	var source fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		source = os.DirFS(cfg.MigrationsDir)
	}
	n, err := persistence.NewMigrator(db, source).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: migrations applied (%d new)", n)

	return db
}
