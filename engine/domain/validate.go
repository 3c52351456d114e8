package domain

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Query length bounds, measured in runes after trimming.
const (
	minQueryLength = 3
	maxQueryLength = 10_000
)

// ValidateQuery validates retrieval query text.
func ValidateQuery(text string) error {
	if !utf8.ValidString(text) {
		return NewValidationError("text", "<binary>", ErrInvalidEncoding)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return NewValidationError("text", trimmed, ErrEmptyQuery)
	}
	n := utf8.RuneCountInString(trimmed)
	if n < minQueryLength {
		return NewValidationError("text", trimmed, ErrQueryTooShort)
	}
	if n > maxQueryLength {
		return NewValidationError("text", fmt.Sprintf("%d runes", n), ErrQueryTooLong)
	}
	return nil
}

// ValidateSourceURL checks that raw is an absolute http(s) URL with a host.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return NewValidationError("source_url", raw, ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError("source_url", raw, ErrInvalidURL)
	}
	if u.Host == "" {
		return NewValidationError("source_url", raw, ErrInvalidURL)
	}
	return nil
}

// ValidateContentUnit checks a fetched page before chunking.
func ValidateContentUnit(u ContentUnit) error {
	if err := ValidateSourceURL(u.SourceURL); err != nil {
		return err
	}
	if strings.TrimSpace(u.RawText) == "" {
		return NewValidationError("raw_text", u.SourceURL, ErrMissingField)
	}
	return nil
}

// ValidateChunk is the schema gate at the storage boundary. A chunk that
// fails here is reported and skipped, never written.
func ValidateChunk(c Chunk) error {
	if c.ID == "" {
		return NewValidationError("id", c.SourceURL, ErrMissingField)
	}
	if strings.TrimSpace(c.Text) == "" {
		return NewValidationError("text", c.ID, ErrEmptyChunk)
	}
	if c.ContentHash == "" {
		return NewValidationError("content_hash", c.ID, ErrMissingField)
	}
	if c.Ordinal < 0 {
		return NewValidationError("ordinal", fmt.Sprintf("%d", c.Ordinal), ErrMissingField)
	}
	return ValidateSourceURL(c.SourceURL)
}

// ValidateEmbedding checks an embedding against the expected dimensionality
// before it reaches the store.
func ValidateEmbedding(e Embedding, wantDims int) error {
	if e.ChunkID == "" {
		return NewValidationError("chunk_id", "", ErrMissingField)
	}
	if len(e.Vector) != wantDims {
		return fmt.Errorf("domain: embedding for %s has %d dims, store expects %d: %w",
			e.ChunkID, len(e.Vector), wantDims, ErrSchemaMismatch)
	}
	return nil
}
