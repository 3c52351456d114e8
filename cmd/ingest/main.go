// Command ingest crawls a documentation site and runs the pages through the
// chunking, embedding, and storage pipeline. It can also consume content
// units from NATS, publish a crawl onto the bus for other workers, or purge
// every stored chunk for one source URL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/schollz/progressbar/v3"

	"github.com/libroai/libro/config"
	"github.com/libroai/libro/engine/chunk"
	"github.com/libroai/libro/engine/crawl"
	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/embed"
	"github.com/libroai/libro/engine/ingest"
	"github.com/libroai/libro/engine/semantic"
	"github.com/libroai/libro/pkg/metrics"
	"github.com/libroai/libro/pkg/natsutil"
	"github.com/libroai/libro/pkg/resilience"
)

var met = metrics.New()

var (
	mPagesProcessed  = met.Counter("libro_ingest_pages_processed_total", "Pages stored successfully")
	mPagesFailed     = met.Counter("libro_ingest_pages_failed_total", "Pages that failed to crawl or ingest")
	mChunksNew       = met.Counter(metrics.WithLabels("libro_ingest_chunks_total", "outcome", "new"), "Chunks by upsert outcome")
	mChunksUpdated   = met.Counter(metrics.WithLabels("libro_ingest_chunks_total", "outcome", "updated"), "")
	mChunksUnchanged = met.Counter(metrics.WithLabels("libro_ingest_chunks_total", "outcome", "unchanged"), "")
	mOrphansDeleted  = met.Counter("libro_ingest_orphans_deleted_total", "Stale chunks removed")
	mCrawlDuration   = met.Histogram("libro_ingest_crawl_duration_seconds", "Wall time per crawl", nil)
	mRunDuration     = met.Histogram("libro_ingest_run_duration_seconds", "Wall time per ingest run", nil)
)

func main() {
	var (
		configPath  = flag.String("config", "libro.yaml", "path to the YAML config file")
		seed        = flag.String("seed", "", "seed URL to crawl and ingest")
		consume     = flag.Bool("consume", false, "consume content units from NATS instead of crawling")
		publish     = flag.Bool("publish", false, "publish crawled units to NATS instead of ingesting them here")
		purge       = flag.String("purge", "", "delete every stored chunk for this source URL, then exit")
		metricsPort = flag.Int("metrics-port", 9091, "metrics listen port, 0 disables")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *seed == "" && !*consume && *purge == "" {
		fmt.Fprintln(os.Stderr, "one of -seed, -consume, or -purge is required")
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

	if *metricsPort > 0 {
		met.CollectRuntime("libro_ingest", 15*time.Second)
		met.ServeAsync(*metricsPort)
	}

	store, err := semantic.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.Dimensions)
	if err != nil {
		logger.Error("qdrant connect", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if *purge != "" {
		if err := store.DeleteBySource(ctx, *purge); err != nil {
			logger.Error("purge failed", "source_url", *purge, "err", err)
			os.Exit(1)
		}
		logger.Info("purged source", "source_url", *purge)
		return
	}

	var limiter *resilience.Limiter
	if cfg.Embedding.RatePerSec > 0 {
		limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Embedding.RatePerSec, Burst: 1})
	}
	embedder := embed.New(embed.Options{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dims:      cfg.Qdrant.Dimensions,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   time.Duration(cfg.Embedding.Timeout),
		Limiter:   limiter,
	})

	deps := ingest.Deps{
		Embedder: embedder,
		Store:    store,
		Chunker: chunk.New(chunk.Options{
			Size:          cfg.Chunking.Size,
			Overlap:       cfg.Chunking.Overlap,
			MaxContentLen: cfg.Chunking.MaxContentLen,
			MaxChunkLen:   cfg.Chunking.MaxChunkLen,
		}),
		Logger: logger,
	}
	opts := ingest.Options{
		Concurrency:  cfg.Ingest.Concurrency,
		StoreTimeout: time.Duration(cfg.Ingest.StoreTimeout),
		Breaker:      resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}

	if *consume {
		if err := consumeBus(ctx, cfg.NATS.URL, ingest.New(deps, opts), logger); err != nil {
			logger.Error("consumer failed", "err", err)
			os.Exit(1)
		}
		return
	}

	var crawlFailed []ingest.PageReport
	crawler := crawl.New(nil, crawl.Options{
		MaxPages:     cfg.Crawl.MaxPages,
		RatePerSec:   cfg.Crawl.RatePerSec,
		FetchTimeout: time.Duration(cfg.Crawl.FetchTimeout),
		UserAgent:    cfg.Crawl.UserAgent,
		OnSkip: func(pageURL string, err error) {
			crawlFailed = append(crawlFailed, ingest.CrawlFailure(pageURL, err))
		},
	}, logger)

	crawlStart := time.Now()
	units, err := crawler.Crawl(ctx, *seed)
	if err != nil {
		logger.Error("crawl failed", "seed", *seed, "err", err)
		os.Exit(1)
	}
	mCrawlDuration.Observe(time.Since(crawlStart).Seconds())
	if len(units) == 0 && len(crawlFailed) == 0 {
		logger.Info("nothing to ingest", "seed", *seed)
		return
	}

	if *publish {
		if err := publishUnits(ctx, cfg.NATS.URL, units); err != nil {
			logger.Error("publish failed", "err", err)
			os.Exit(1)
		}
		return
	}

	bar := progressbar.Default(int64(len(units)), "ingesting")
	opts.OnPage = func(ingest.PageReport) { bar.Add(1) }

	report := ingest.New(deps, opts).Run(ctx, units)
	bar.Finish()
	report.AbsorbFailures(crawlFailed...)
	recordRun(report)
	printReport(report)
	if report.Status == ingest.RunFailed {
		os.Exit(1)
	}
}

// consumeBus subscribes to the ingest subject and blocks until the context
// is canceled, then drains in-flight messages.
func consumeBus(ctx context.Context, natsURL string, orch *ingest.Orchestrator, logger *slog.Logger) error {
	nc, err := nats.Connect(natsURL, nats.Name("libro-ingest"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, orch, logger)
	if err != nil {
		return err
	}
	logger.Info("consuming content units", "subject", ingest.IngestSubject, "nats", natsURL)

	<-ctx.Done()
	logger.Info("draining consumer")
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

// publishUnits puts crawled units on the bus for ingest workers.
func publishUnits(ctx context.Context, natsURL string, units []domain.ContentUnit) error {
	nc, err := nats.Connect(natsURL, nats.Name("libro-ingest-publisher"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	bar := progressbar.Default(int64(len(units)), "publishing")
	for _, u := range units {
		if err := natsutil.Publish(ctx, nc, ingest.IngestSubject, u); err != nil {
			return fmt.Errorf("publish %s: %w", u.SourceURL, err)
		}
		bar.Add(1)
	}
	bar.Finish()
	return nil
}

func recordRun(r ingest.RunReport) {
	mPagesProcessed.Add(int64(r.Processed))
	mPagesFailed.Add(int64(r.Failed))
	mChunksNew.Add(int64(r.Totals.New))
	mChunksUpdated.Add(int64(r.Totals.Updated))
	mChunksUnchanged.Add(int64(r.Totals.Unchanged))
	mOrphansDeleted.Add(int64(r.Orphans))
	mRunDuration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
}

func printReport(r ingest.RunReport) {
	took := r.FinishedAt.Sub(r.StartedAt)
	fmt.Printf("\nrun %s: %s\n", r.RunID, r.Status)
	fmt.Printf("  pages:   %d of %d stored, %d failed\n", r.Processed, r.Discovered, r.Failed)
	fmt.Printf("  chunks:  %d new, %d updated, %d unchanged, %d skipped\n",
		r.Totals.New, r.Totals.Updated, r.Totals.Unchanged, r.Totals.Skipped)
	fmt.Printf("  orphans: %d removed\n", r.Orphans)
	rate := 0.0
	if took > 0 {
		rate = float64(r.Totals.Total()) / took.Seconds()
	}
	fmt.Printf("  took:    %s (%.1f chunks/sec)\n", took.Round(time.Millisecond), rate)
	for _, f := range r.Failures() {
		fmt.Printf("  failed:  %s at %s: %s\n", f.SourceURL, f.FailedAt, f.Error)
	}
	if r.Error != "" {
		fmt.Printf("  error:   %s\n", r.Error)
	}
}
