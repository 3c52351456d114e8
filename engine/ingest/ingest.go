// Package ingest orchestrates the ingestion pipeline: chunking, embedding,
// and storage of normalized content units, with per-source orphan
// reconciliation and a run report at the end.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/libroai/libro/engine/chunk"
	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/embed"
	"github.com/libroai/libro/engine/semantic"
	"github.com/libroai/libro/pkg/fn"
	"github.com/libroai/libro/pkg/resilience"
)

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error)
	ModelVersion() string
}

// Store is the slice of the vector store the pipeline needs.
type Store interface {
	EnsureCollection(ctx context.Context) error
	UpsertChunks(ctx context.Context, pairs []semantic.ChunkVector) (semantic.UpsertOutcome, error)
	DeleteOrphans(ctx context.Context, sourceURL string, keep map[string]bool) (int, error)
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder Embedder
	Store    Store
	Chunker  *chunk.Chunker
	Logger   *slog.Logger
}

// Options tunes run behavior. The limiter paces embedding calls and the
// breaker stops hammering a failing embedding service mid-run.
type Options struct {
	Concurrency  int
	StoreTimeout time.Duration
	Limiter      *resilience.Limiter
	Breaker      *resilience.Breaker

	// OnPage, if set, is called once per unit as it finishes, from worker
	// goroutines. Used for progress reporting; must be safe for concurrent
	// calls.
	OnPage func(PageReport)
}

// Orchestrator owns the per-unit pipeline and run bookkeeping.
type Orchestrator struct {
	embedder Embedder
	store    Store
	chunker  *chunk.Chunker
	log      *slog.Logger
	opts     Options
	pipe     fn.Stage[domain.ContentUnit, storedUnit]
}

// New wires an Orchestrator, filling zero options with defaults.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Chunker == nil {
		deps.Chunker = chunk.New(chunk.DefaultOptions())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		embedder: deps.Embedder,
		store:    deps.Store,
		chunker:  deps.Chunker,
		log:      deps.Logger,
		opts:     opts,
	}
	o.pipe = fn.Then(
		fn.Then(
			fn.TracedStage("ingest.chunk", o.chunkStage()),
			fn.TracedStage("ingest.embed", o.embedStage()),
		),
		fn.TracedStage("ingest.store", o.storeStage()),
	)
	return o
}

// Intermediate pipeline values. Each stage carries the earlier results
// forward so the final report can account for every step.
type chunkedUnit struct {
	Unit   domain.ContentUnit
	Chunks []domain.Chunk
}

type embeddedUnit struct {
	chunkedUnit
	Records []semantic.ChunkVector
}

type storedUnit struct {
	embeddedUnit
	Outcome semantic.UpsertOutcome
	Orphans int
}

// stageErr tags a failure with the pipeline state it happened in.
type stageErr struct {
	state PageState
	err   error
}

func (e *stageErr) Error() string { return string(e.state) + ": " + e.err.Error() }
func (e *stageErr) Unwrap() error { return e.err }

func failStage(state PageState, err error) error {
	return &stageErr{state: state, err: err}
}

func failedAt(err error) PageState {
	var se *stageErr
	if errors.As(err, &se) {
		return se.state
	}
	return StatePending
}

func (o *Orchestrator) chunkStage() fn.Stage[domain.ContentUnit, chunkedUnit] {
	return func(ctx context.Context, unit domain.ContentUnit) fn.Result[chunkedUnit] {
		o.log.Debug("unit state", "source_url", unit.SourceURL, "state", StateChunking)
		chunks, err := o.chunker.Split(unit)
		if err != nil {
			return fn.Err[chunkedUnit](failStage(StateChunking, err))
		}
		return fn.Ok(chunkedUnit{Unit: unit, Chunks: chunks})
	}
}

func (o *Orchestrator) embedStage() fn.Stage[chunkedUnit, embeddedUnit] {
	stage := func(ctx context.Context, cu chunkedUnit) fn.Result[embeddedUnit] {
		o.log.Debug("unit state", "source_url", cu.Unit.SourceURL, "state", StateEmbedding, "chunks", len(cu.Chunks))
		texts := fn.Map(cu.Chunks, func(c domain.Chunk) string { return c.Text })
		vectors, err := o.embedder.Embed(ctx, texts, embed.InputDocument)
		if err != nil {
			return fn.Err[embeddedUnit](failStage(StateEmbedding, err))
		}
		if len(vectors) != len(cu.Chunks) {
			return fn.Err[embeddedUnit](failStage(StateEmbedding,
				fmt.Errorf("got %d vectors for %d chunks: %w", len(vectors), len(cu.Chunks), domain.ErrSchemaMismatch)))
		}
		model := o.embedder.ModelVersion()
		records := make([]semantic.ChunkVector, len(cu.Chunks))
		for i, c := range cu.Chunks {
			records[i] = semantic.ChunkVector{
				Chunk: c,
				Embedding: domain.Embedding{
					ChunkID:      c.ID,
					Vector:       vectors[i],
					ModelVersion: model,
				},
			}
		}
		return fn.Ok(embeddedUnit{chunkedUnit: cu, Records: records})
	}
	if o.opts.Limiter != nil {
		stage = resilience.LimiterStageWait(o.opts.Limiter, stage)
	}
	if o.opts.Breaker != nil {
		stage = resilience.BreakerStage(o.opts.Breaker, stage)
	}
	return func(ctx context.Context, cu chunkedUnit) fn.Result[embeddedUnit] {
		r := stage(ctx, cu)
		if r.IsErr() {
			// Limiter and breaker failures happen outside the inner stage
			// and arrive untagged. A rejection from an open breaker is
			// transient: the service may be healthy again on redelivery.
			_, err := r.Unwrap()
			if errors.Is(err, resilience.ErrCircuitOpen) {
				err = fmt.Errorf("%v: %w", err, domain.ErrTransient)
			}
			if failedAt(err) == StatePending {
				return fn.Err[embeddedUnit](failStage(StateEmbedding, err))
			}
		}
		return r
	}
}

func (o *Orchestrator) storeStage() fn.Stage[embeddedUnit, storedUnit] {
	return func(ctx context.Context, eu embeddedUnit) fn.Result[storedUnit] {
		o.log.Debug("unit state", "source_url", eu.Unit.SourceURL, "state", StateStoring)
		if o.opts.StoreTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.opts.StoreTimeout)
			defer cancel()
		}

		outcome, err := o.store.UpsertChunks(ctx, eu.Records)
		if err != nil {
			return fn.Err[storedUnit](failStage(StateStoring, err))
		}

		// Reconcile after the upsert so chunks from an earlier, longer
		// version of the page do not linger. A page that normalized to
		// nothing keeps nothing.
		keep := make(map[string]bool, len(eu.Records))
		for _, r := range eu.Records {
			keep[r.Chunk.ID] = true
		}
		orphans, err := o.store.DeleteOrphans(ctx, eu.Unit.SourceURL, keep)
		if err != nil {
			return fn.Err[storedUnit](failStage(StateStoring, err))
		}
		return fn.Ok(storedUnit{embeddedUnit: eu, Outcome: outcome, Orphans: orphans})
	}
}

// EnsureReady prepares the backing collection. Idempotent.
func (o *Orchestrator) EnsureReady(ctx context.Context) error {
	return o.store.EnsureCollection(ctx)
}

// IngestUnit runs a single unit through the pipeline. The collection must
// already exist; long-running consumers call EnsureReady once at startup.
func (o *Orchestrator) IngestUnit(ctx context.Context, unit domain.ContentUnit) (PageReport, error) {
	result := o.pipe(ctx, unit)
	page := pageReport(unit, result)
	if result.IsErr() {
		_, err := result.Unwrap()
		return page, err
	}
	return page, nil
}

// pageReport folds one pipeline result into the page's report entry.
func pageReport(unit domain.ContentUnit, r fn.Result[storedUnit]) PageReport {
	page := PageReport{SourceURL: unit.SourceURL}
	if r.IsErr() {
		_, err := r.Unwrap()
		page.State = StateFailed
		page.FailedAt = failedAt(err)
		page.Error = err.Error()
		return page
	}
	v, _ := r.Unwrap()
	page.State = StateCompleted
	page.Chunks = len(v.Chunks)
	page.Outcome = v.Outcome
	page.Orphans = v.Orphans
	return page
}

// Run ingests units with bounded parallelism and returns the report. A unit
// failure is recorded and the rest of the run continues; only a collection
// setup failure aborts the whole run.
func (o *Orchestrator) Run(ctx context.Context, units []domain.ContentUnit) RunReport {
	report := RunReport{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Status:     RunRunning,
		Discovered: len(units),
	}
	log := o.log.With("run_id", report.RunID)
	log.Info("ingest run starting", "units", len(units))

	if err := o.store.EnsureCollection(ctx); err != nil {
		report.Error = fmt.Sprintf("ensure collection: %v", err)
		report.FinishedAt = time.Now().UTC()
		report.Status = report.status()
		log.Error("ingest run aborted", "error", err)
		return report
	}

	stage := o.pipe
	if o.opts.OnPage != nil {
		stage = func(ctx context.Context, unit domain.ContentUnit) fn.Result[storedUnit] {
			r := o.pipe(ctx, unit)
			o.opts.OnPage(pageReport(unit, r))
			return r
		}
	}
	results := fn.ParMapResult(units, o.opts.Concurrency, func(unit domain.ContentUnit) fn.Result[storedUnit] {
		return stage(ctx, unit)
	})

	report.Pages = make([]PageReport, len(units))
	for i, r := range results {
		page := pageReport(units[i], r)
		if page.State == StateFailed {
			report.Failed++
			log.Error("unit failed", "source_url", page.SourceURL, "stage", page.FailedAt, "error", page.Error)
		} else {
			report.Processed++
			report.Totals.Add(page.Outcome)
			report.Orphans += page.Orphans
		}
		report.Pages[i] = page
	}

	report.FinishedAt = time.Now().UTC()
	report.Status = report.status()
	log.Info("ingest run finished",
		"status", report.Status,
		"processed", report.Processed,
		"failed", report.Failed,
		"new", report.Totals.New,
		"updated", report.Totals.Updated,
		"unchanged", report.Totals.Unchanged,
		"orphans", report.Orphans,
	)
	return report
}
