// Package domain defines core domain types, constants, and validation for the
// Libro ingestion and retrieval pipeline. It acts as the validation gate at
// pipeline entry points.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContentUnit is one fetched documentation page, normalised to plain text
// with heading markers. It is consumed by the chunker and never persisted.
type ContentUnit struct {
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title"`
	HeadingPath []string  `json:"heading_path,omitempty"`
	RawText     string    `json:"raw_text"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Chunk is a bounded segment of a ContentUnit, the atomic unit of embedding
// and storage. Identity is stable across runs: the same (SourceURL, Ordinal)
// always yields the same ID, so re-ingesting unchanged content upserts each
// chunk onto itself and changed content replaces rather than duplicates.
type Chunk struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	HeadingPath []string `json:"heading_path,omitempty"`
	SourceURL   string   `json:"source_url"`
	ContentHash string   `json:"content_hash"`
	Ordinal     int      `json:"ordinal"`
}

// Embedding is the vector for one Chunk, tagged with the model version that
// produced it so query-time mismatches are detectable.
type Embedding struct {
	ChunkID      string    `json:"chunk_id"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// Query is a retrieval request. TopK outside [1,100] is clamped by the
// retrieval engine rather than rejected.
type Query struct {
	Text string `json:"text"`
	TopK int    `json:"top_k,omitempty"`
}

// RetrievedResult is one ranked hit returned to the caller. Score is the
// store's cosine similarity normalised into [0,1].
type RetrievedResult struct {
	ChunkID     string   `json:"chunk_id"`
	Text        string   `json:"text"`
	SourceURL   string   `json:"source_url"`
	HeadingPath []string `json:"heading_path,omitempty"`
	Score       float32  `json:"score"`
	Ordinal     int      `json:"ordinal"`
}

// ChunkID derives the stable chunk identifier from source URL and ordinal.
// SHA1-based UUIDs keep ids deterministic without coordination.
func ChunkID(sourceURL string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", sourceURL, ordinal))).String()
}

// HashText returns the hex SHA-256 digest of text, the content fingerprint
// used for change detection.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// JoinHeadingPath flattens a heading path for storage in a payload field.
func JoinHeadingPath(path []string) string {
	return strings.Join(path, " > ")
}

// SplitHeadingPath is the inverse of JoinHeadingPath.
func SplitHeadingPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " > ")
}
