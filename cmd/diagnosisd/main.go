// diagnosisd runs the dietary diagnosis pipeline: HTTP API, worker pool, and
// the Postgres NOTIFY listener feeding live progress to SSE subscribers.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dietary/diagnosis-pipeline/pkg/api"
	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/database"
	"github.com/dietary/diagnosis-pipeline/pkg/diagnosis"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
	"github.com/dietary/diagnosis-pipeline/pkg/queue"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to PostgreSQL database")

	st := store.New(dbClient.DB())

	hub := events.NewHub()
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Password, dbCfg.Database, dbCfg.SSLMode)
	listener := events.NewNotifyListener(connString, hub)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("failed to start NOTIFY listener: %v", err)
	}
	defer listener.Stop(context.Background())
	hub.SetListener(listener)

	publisher := events.NewPublisher(dbClient.DB())

	transport := llmoracle.NewOpenAITransport(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	oracle := llmoracle.New(transport)
	usage := diagnosis.NewUsageAccountant(st, cfg.Cost)
	worker := diagnosis.NewIngredientWorker(st, oracle, publisher, usage, cfg.LLM)

	orchestrator := diagnosis.NewOrchestrator(st, publisher, cfg.Diagnosis, worker)

	pool := queue.NewWorkerPool("diagnosisd", st, cfg.Queue, worker)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}
	defer pool.Stop()

	server := api.NewServer(cfg, st, orchestrator, hub, publisher)
	server.SetWorkerPool(pool)
	if err := server.ValidateWiring(); err != nil {
		log.Fatalf("server wiring invalid: %v", err)
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := server.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down HTTP server", "error", err)
	}

	os.Exit(0)
}
