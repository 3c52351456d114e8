// Package main implements the libro retrieval API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libroai/libro/config"
	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/embed"
	"github.com/libroai/libro/engine/retrieval"
	"github.com/libroai/libro/engine/semantic"
	"github.com/libroai/libro/pkg/metrics"
	"github.com/libroai/libro/pkg/mid"
)

var (
	metricsReg    = metrics.New()
	queriesTotal  = metricsReg.Counter("libro_queries_total", "Queries answered.")
	queryRejects  = metricsReg.Counter("libro_query_rejects_total", "Queries rejected by validation.")
	queryFailures = metricsReg.Counter("libro_query_failures_total", "Queries that failed upstream.")
	queryInflight = metricsReg.Gauge("libro_queries_inflight", "Queries currently being served.")
	queryLatency  = metricsReg.Histogram("libro_query_duration_seconds", "End-to-end query latency.", nil)
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "libro.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	embedder := embed.New(embed.Options{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dims:      cfg.Qdrant.Dimensions,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   time.Duration(cfg.Embedding.Timeout),
	})

	svc := retrieval.New(embedder, store, retrieval.Options{
		TopK:          cfg.Retrieve.TopK,
		SearchTimeout: time.Duration(cfg.Retrieve.SearchTimeout),
	}, logger)

	handler := mid.Chain(routes(svc, logger),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.MaxBody(1<<20),
		mid.OTel("libro-api", "/metrics", "/api/health"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "collection", cfg.Qdrant.Collection)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// retriever is the slice of the retrieval service the handlers need.
type retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.RetrievedResult, error)
	RetrieveFromSource(ctx context.Context, query string, topK int, sourceURL string) ([]domain.RetrievedResult, error)
}

func routes(svc retriever, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/query", handleQuery(svc, logger))
	mux.Handle("GET /metrics", metricsReg.Handler())
	return mux
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// QueryRequest is the JSON body for POST /api/query. Source optionally
// narrows results to chunks ingested from that URL.
type QueryRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k,omitempty"`
	Source string `json:"source,omitempty"`
}

// QueryResponse is the JSON response for POST /api/query.
type QueryResponse struct {
	Results []domain.RetrievedResult `json:"results"`
	Count   int                      `json:"count"`
}

func handleQuery(svc retriever, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		queryInflight.Inc()
		defer queryInflight.Dec()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			queryRejects.Inc()
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		var results []domain.RetrievedResult
		var err error
		if req.Source != "" {
			results, err = svc.RetrieveFromSource(r.Context(), req.Query, req.TopK, req.Source)
		} else {
			results, err = svc.Retrieve(r.Context(), req.Query, req.TopK)
		}
		if err != nil {
			writeQueryError(w, err, logger)
			return
		}

		queriesTotal.Inc()
		queryLatency.Since(start)
		if results == nil {
			results = []domain.RetrievedResult{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(QueryResponse{Results: results, Count: len(results)})
	}
}

// writeQueryError maps retrieval failures to HTTP statuses. Validation
// problems are the caller's fault; everything past validation is ours.
func writeQueryError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		queryRejects.Inc()
		writeError(w, vErr.Wrapped.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrTransient):
		queryFailures.Inc()
		logger.Error("query failed", "err", err)
		writeError(w, "upstream unavailable", http.StatusServiceUnavailable)
	default:
		queryFailures.Inc()
		logger.Error("query failed", "err", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
