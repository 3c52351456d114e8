// Command query runs a one-shot retrieval against the vector store and
// prints the ranked chunks. Useful for smoke-testing a fresh ingest without
// standing up the API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/libroai/libro/config"
	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/embed"
	"github.com/libroai/libro/engine/retrieval"
	"github.com/libroai/libro/engine/semantic"
)

func main() {
	var (
		configPath = flag.String("config", "libro.yaml", "path to the YAML config file")
		topK       = flag.Int("k", 0, "number of results, 0 uses the configured default")
		source     = flag.String("source", "", "only return chunks ingested from this URL")
		asJSON     = flag.Bool("json", false, "print results as JSON")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: query [flags] <question>")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions)
	if err != nil {
		logger.Error("qdrant connect", "err", err)
		os.Exit(1)
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

	var results []domain.RetrievedResult
	if *source != "" {
		results, err = svc.RetrieveFromSource(ctx, query, *topK, *source)
	} else {
		results, err = svc.Retrieve(ctx, query, *topK)
	}
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			fmt.Fprintf(os.Stderr, "bad query: %s\n", vErr.Wrapped)
			os.Exit(2)
		}
		logger.Error("retrieve failed", "err", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []domain.RetrievedResult{}
		}
		if err := enc.Encode(results); err != nil {
			logger.Error("encode results", "err", err)
			os.Exit(1)
		}
		return
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return
	}
	for i, r := range results {
		fmt.Printf("%2d. [%.3f] %s\n", i+1, r.Score, r.SourceURL)
		if len(r.HeadingPath) > 0 {
			fmt.Printf("    %s\n", strings.Join(r.HeadingPath, " > "))
		}
		fmt.Printf("    %s\n\n", snippet(r.Text, 240))
	}
}

// snippet flattens whitespace and truncates to max runes for terminal output.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
