package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"afflow.org/internal/gateway"
	"afflow.org/internal/httpapi"
	"afflow.org/internal/ledger"
	"afflow.org/internal/obs"
	"afflow.org/internal/payout"
	"afflow.org/internal/store/pg"
	"afflow.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	currency := os.Getenv("AFFLOW_CURRENCY")
	if currency == "" {
		currency = "USD"
	}

	// Store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store   ledger.Store
		pgStore *pg.Store
	)
	if dsn := os.Getenv("AFFLOW_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	} else {
		log.Printf("AFFLOW_PG_DSN not set, using in-memory store")
		store = ledger.NewInMemory()
	}

	// Gateway: real provider when configured, sandbox otherwise.
	var gw gateway.Gateway
	if base := os.Getenv("AFFLOW_GATEWAY_URL"); base != "" {
		gw = gateway.NewHTTP(base, os.Getenv("AFFLOW_GATEWAY_API_KEY"))
	} else {
		log.Printf("AFFLOW_GATEWAY_URL not set, using sandbox gateway")
		gw = gateway.Sandbox{}
	}

	events := stream.New()
	engine := payout.New(store, gw, currency, payout.WithEvents(events))

	rp := httpapi.ReadyProbe{}
	if pgStore != nil {
		rp.DB = pgStore.DB()
	}
	api := httpapi.New(rp, version, store, engine, events)

	addr := os.Getenv("AFFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting afflow-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
