package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"oms-core/internal/api"
	"oms-core/internal/events"
	"oms-core/internal/ingest"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/internal/outbox"
	"oms-core/internal/position"
	"oms-core/internal/reconcile"
	"oms-core/pkg/config"
	"oms-core/pkg/db"
	"oms-core/pkg/refdata"
	"oms-core/pkg/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}
	log.Printf("main: starting oms-core on port %s (venue mode %s)", cfg.Port, cfg.VenueMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}

	catalog := refdata.NewCatalog()
	if cfg.SymbolsPath != "" {
		catalog, err = refdata.LoadCatalog(cfg.SymbolsPath)
		if err != nil {
			log.Fatalf("main: load symbol catalog: %v", err)
		}
		log.Printf("main: symbol catalog loaded from %s", cfg.SymbolsPath)
	}

	// Venue session selection
	var session venue.Session
	switch cfg.VenueMode {
	case "ws":
		session = venue.NewWSSession(venue.WSConfig{
			URL:               cfg.VenueURL,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	default:
		session = venue.NewSimVenue(true)
	}
	if err := session.Start(ctx); err != nil {
		log.Fatalf("main: start venue session: %v", err)
	}
	defer session.Stop()

	orders := oms.NewService(database, bus)

	ingestor, err := ingest.NewIngestor(ctx, database, orders, metrics, bus)
	if err != nil {
		log.Fatalf("main: init ingestor: %v", err)
	}
	go ingestor.Run(ctx, session.Inbound())

	dispatcher := outbox.NewDispatcher(database, orders, session, metrics, bus, outbox.Options{
		PollInterval: cfg.OutboxPollInterval,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		BackoffBase:  cfg.RetryBackoffBase,
		BackoffMax:   cfg.RetryBackoffMax,
		SendTimeout:  cfg.SessionTimeout,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	positions := position.NewAggregator(database)
	reconciler := reconcile.NewService(database)

	server := api.NewServer(bus, database, orders, dispatcher, positions,
		reconciler, catalog, metrics, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("main: shutting down")
}
