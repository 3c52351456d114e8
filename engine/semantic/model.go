package semantic

import "github.com/libroai/libro/engine/domain"

// Payload field names. source_url and content_hash carry keyword indexes so
// reconciliation and change detection stay cheap as collections grow.
const (
	fieldContent      = "content"
	fieldSourceURL    = "source_url"
	fieldHeadingPath  = "heading_path"
	fieldOrdinal      = "ordinal"
	fieldContentHash  = "content_hash"
	fieldModelVersion = "model_version"
)

// SourceFilter builds the keyword filter that restricts a search to one
// source URL. An empty URL returns nil, meaning no restriction.
func SourceFilter(sourceURL string) map[string]string {
	if sourceURL == "" {
		return nil
	}
	return map[string]string{fieldSourceURL: sourceURL}
}

// ChunkVector pairs a chunk with its embedding for storage.
type ChunkVector struct {
	Chunk     domain.Chunk
	Embedding domain.Embedding
}

// UpsertOutcome reports what an upsert actually did. Unchanged chunks are
// detected by stored content hash and never rewritten; Skipped counts
// records that failed schema validation.
type UpsertOutcome struct {
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Total returns the number of records the outcome accounts for.
func (o UpsertOutcome) Total() int {
	return o.New + o.Updated + o.Unchanged + o.Skipped
}

// Add accumulates another outcome into o.
func (o *UpsertOutcome) Add(other UpsertOutcome) {
	o.New += other.New
	o.Updated += other.Updated
	o.Unchanged += other.Unchanged
	o.Skipped += other.Skipped
}

// SearchResult is a single vector search hit with its stored payload.
type SearchResult struct {
	ID           string   `json:"id"`
	Score        float32  `json:"score"`
	Text         string   `json:"text"`
	SourceURL    string   `json:"source_url"`
	HeadingPath  []string `json:"heading_path,omitempty"`
	Ordinal      int      `json:"ordinal"`
	ContentHash  string   `json:"content_hash"`
	ModelVersion string   `json:"model_version"`
}
