// Package retrieval answers semantic queries against the stored corpus. It
// validates the query, embeds it with the same model the corpus was embedded
// with, searches the vector store, and returns results in a deterministic
// order.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/semantic"
)

// Embedder is the slice of the embedding client queries need.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

// Searcher abstracts vector search. A nil filter map searches the whole
// collection.
type Searcher interface {
	SearchFiltered(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]semantic.SearchResult, error)
}

// Options configures retrieval behaviour.
type Options struct {
	TopK          int // default when the request passes 0
	MaxTopK       int // requests above this are clamped
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		MaxTopK:       100,
		SearchTimeout: 5 * time.Second,
	}
}

// Service runs the query pipeline.
type Service struct {
	embedder Embedder
	searcher Searcher
	opts     Options
	log      *slog.Logger
}

// New creates a retrieval Service.
func New(embedder Embedder, searcher Searcher, opts Options, log *slog.Logger) *Service {
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = DefaultOptions().MaxTopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{embedder: embedder, searcher: searcher, opts: opts, log: log}
}

// Retrieve returns the topK most similar chunks for the query text. An empty
// result set is a valid answer, not an error. Results embedded under a
// different model version than the query are a schema mismatch and surface
// as an error rather than silently wrong rankings.
func (s *Service) Retrieve(ctx context.Context, text string, topK int) ([]domain.RetrievedResult, error) {
	return s.retrieve(ctx, text, topK, nil)
}

// RetrieveFromSource restricts retrieval to chunks ingested from one source
// URL. A source with nothing stored returns an empty result set.
func (s *Service) RetrieveFromSource(ctx context.Context, text string, topK int, sourceURL string) ([]domain.RetrievedResult, error) {
	return s.retrieve(ctx, text, topK, semantic.SourceFilter(sourceURL))
}

func (s *Service) retrieve(ctx context.Context, text string, topK int, filters map[string]string) ([]domain.RetrievedResult, error) {
	if err := domain.ValidateQuery(text); err != nil {
		return nil, err
	}
	topK = s.clampTopK(topK)

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()
	hits, err := s.searcher.SearchFiltered(searchCtx, vector, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	model := s.embedder.ModelVersion()
	results := make([]domain.RetrievedResult, 0, len(hits))
	for _, h := range hits {
		if h.ModelVersion != "" && h.ModelVersion != model {
			return nil, fmt.Errorf("retrieval: chunk %s embedded with %q, querying with %q: %w",
				h.ID, h.ModelVersion, model, domain.ErrSchemaMismatch)
		}
		results = append(results, domain.RetrievedResult{
			ChunkID:     h.ID,
			Text:        h.Text,
			SourceURL:   h.SourceURL,
			HeadingPath: h.HeadingPath,
			Score:       clampScore(h.Score),
			Ordinal:     h.Ordinal,
		})
	}
	orderResults(results)

	s.log.Debug("retrieval done", "top_k", topK, "results", len(results))
	return results, nil
}

func (s *Service) clampTopK(topK int) int {
	switch {
	case topK <= 0:
		return s.opts.TopK
	case topK > s.opts.MaxTopK:
		return s.opts.MaxTopK
	default:
		return topK
	}
}

// clampScore normalises store scores into [0,1]. Cosine similarity can dip
// below zero for dissimilar vectors.
func clampScore(score float32) float32 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// orderResults sorts by descending score, breaking ties by source URL then
// ordinal so equal-scored runs are stable across calls.
func orderResults(results []domain.RetrievedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.SourceURL != b.SourceURL {
			return a.SourceURL < b.SourceURL
		}
		return a.Ordinal < b.Ordinal
	})
}
