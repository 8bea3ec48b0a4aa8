package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/debugonezero/plug-memory/features/ingest"
	"github.com/debugonezero/plug-memory/features/job"
	"github.com/debugonezero/plug-memory/features/search"
	featsettings "github.com/debugonezero/plug-memory/features/settings"
	"github.com/debugonezero/plug-memory/features/stats"
	"github.com/debugonezero/plug-memory/internal/chunk"
	"github.com/debugonezero/plug-memory/internal/config"
	ingestsvc "github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/query"
	"github.com/debugonezero/plug-memory/internal/settings"
	"github.com/debugonezero/plug-memory/internal/vector"
	"github.com/debugonezero/plug-memory/internal/worker"
)

// VectorStore is everything the app needs from the index backend. Both the
// Weaviate store and the in-memory store satisfy it.
type VectorStore interface {
	ingestsvc.IndexStore
	Search(ctx context.Context, vec []float32, topK int, filter vector.Filter) ([]vector.Hit, error)
	Sources(ctx context.Context) ([]vector.SourceSummary, error)
	Count(ctx context.Context) (int, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler       http.Handler
	IngestService *ingestsvc.Service
	LiveConsumer  *worker.LiveConsumer

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	store VectorStore,
	embedder Embedder,
	pub TaskPublisher,
	logger *slog.Logger,
) (*App, error) {
	embedTimeout := time.Duration(cfg.EmbedTimeoutSeconds) * time.Second
	storeTimeout := time.Duration(cfg.StoreTimeoutSeconds) * time.Second
	retry := ingestsvc.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		Backoff:     time.Duration(cfg.RetryBackoffSeconds) * time.Second,
	}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := featsettings.NewHandler(settingsService)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, pub)
	jobHandler := job.NewHandler(jobService)

	// Core: Ingestion
	chunker := chunk.New(cfg.ChunkMaxTokens, cfg.ChunkOverlapTokens)
	ingestService := ingestsvc.NewService(chunker, embedder, store, retry, embedTimeout, storeTimeout, logger)
	ingestHandler := ingest.NewHandler(ingestService, pub, store)

	// Core: Query
	queryLogger, err := query.NewFileLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = query.NewLogger(os.Stdout)
	}
	queryService := query.NewService(embedder, store, settingsService, queryLogger, embedTimeout, storeTimeout)
	searchHandler := search.NewHandler(queryService)

	// Feature: Stats
	statsHandler := stats.NewHandler(jobRepo, store, embedder)

	// Worker: live updates
	liveConsumer := worker.NewLiveConsumer(ingestService, jobService, embedTimeout+storeTimeout)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /ingest", middleware.CorrelationID(enableCORS(ingestHandler.Bulk)))
	mux.Handle("POST /ingest/live", middleware.CorrelationID(enableCORS(ingestHandler.Live)))
	mux.Handle("GET /sources", middleware.CorrelationID(enableCORS(ingestHandler.Sources)))
	mux.Handle("DELETE /sources/{id}", middleware.CorrelationID(enableCORS(ingestHandler.Forget)))

	mux.Handle("POST /query", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.Get)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.Update)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:       mux,
		IngestService: ingestService,
		LiveConsumer:  liveConsumer,
		port:          cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
