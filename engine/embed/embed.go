// Package embed provides the HTTP embedding client shared by ingestion and
// retrieval. It owns batching, retry of transient failures, and size-limit
// enforcement; it never reorders or silently drops an input.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/pkg/fn"
	"github.com/libroai/libro/pkg/resilience"
)

// Input types understood by the embedding service. Documents and queries
// are embedded differently; mixing them up degrades retrieval silently, so
// callers must be explicit.
const (
	InputDocument = "search_document"
	InputQuery    = "search_query"
)

// DefaultBatchSize is the service's batch limit.
const DefaultBatchSize = 96

// Options configures the client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dims       int
	BatchSize  int
	MaxTextLen int // runes; 0 disables the pre-flight check
	Timeout    time.Duration
	Retry      fn.RetryOpts
	Limiter    *resilience.Limiter // optional request pacing
}

// Client is a stateless embedding client.
type Client struct {
	opts   Options
	client *http.Client
}

// New creates a Client, filling zero options with defaults.
func New(opts Options) *Client {
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.Retry.RetryIf == nil {
		opts.Retry.RetryIf = domain.Retryable
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// ModelVersion returns the tag stored alongside every embedding and checked
// at query time.
func (c *Client) ModelVersion() string { return c.opts.Model }

// Dimensions returns the configured vector dimensionality.
func (c *Client) Dimensions() int { return c.opts.Dims }

// Embed converts texts to vectors, preserving input order. Batches are
// retried individually on transient failures; an oversized text fails the
// whole call immediately with the offending index named.
func (c *Client) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.opts.MaxTextLen > 0 {
		for i, t := range texts {
			if n := utf8.RuneCountInString(t); n > c.opts.MaxTextLen {
				return nil, fmt.Errorf("embed: text %d has %d runes, limit %d: %w",
					i, n, c.opts.MaxTextLen, domain.ErrSizeViolation)
			}
		}
	}

	out := make([][]float32, 0, len(texts))
	for i, batch := range fn.Chunk(texts, c.opts.BatchSize) {
		start := i * c.opts.BatchSize
		result := fn.Retry(ctx, c.opts.Retry, func(ctx context.Context) fn.Result[[][]float32] {
			return fn.FromPair(c.embedBatch(ctx, batch, inputType))
		})
		vectors, err := result.Unwrap()
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d): %w", start, start+len(batch), err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text}, InputQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

func (c *Client) embedBatch(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embedRequest{Texts: texts, Model: c.opts.Model, InputType: inputType})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Message != "" {
		return nil, fmt.Errorf("service error: %s", parsed.Message)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("service returned %d vectors for %d texts", len(parsed.Embeddings), len(texts))
	}
	for i, v := range parsed.Embeddings {
		if c.opts.Dims > 0 && len(v) != c.opts.Dims {
			return nil, fmt.Errorf("vector %d has %d dims, expected %d: %w",
				i, len(v), c.opts.Dims, domain.ErrSchemaMismatch)
		}
	}
	return parsed.Embeddings, nil
}

// classifyStatus maps HTTP status codes onto the failure taxonomy: 429 and
// 5xx retry, 413/422 are size violations, anything else non-200 is fatal.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrSizeViolation)
	default:
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("status %d: %s", resp.StatusCode, preview)
	}
}
