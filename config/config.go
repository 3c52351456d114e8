// Package config loads pipeline configuration from YAML with environment
// overrides. Defaults mirror what the hosted deployment runs with, so a
// zero-config start works against local services.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion and retrieval services.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Ingest    IngestConfig    `yaml:"ingest"`
	NATS      NATSConfig      `yaml:"nats"`
}

// Duration lets YAML carry timeouts as "30s" or "2m"; yaml.v3 has no native
// duration support.
type Duration time.Duration

// UnmarshalYAML accepts a duration string, or integer nanoseconds for
// files written by older marshalers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// QdrantConfig holds vector database configuration.
type QdrantConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
}

// EmbeddingConfig holds embedding service configuration. The API key is
// never written to YAML; it is read from the named environment variable.
// RatePerSec caps HTTP calls to the service, 0 disables pacing.
type EmbeddingConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Model      string   `yaml:"model"`
	APIKeyEnv  string   `yaml:"api_key_env"`
	BatchSize  int      `yaml:"batch_size"`
	RatePerSec float64  `yaml:"rate_per_sec"`
	Timeout    Duration `yaml:"timeout"`
	APIKey     string   `yaml:"-"`
}

// ChunkingConfig holds chunker bounds. MaxContentLen and MaxChunkLen are
// hard limits; exceeding them rejects the page rather than truncating.
type ChunkingConfig struct {
	Size          int `yaml:"size"`
	Overlap       int `yaml:"overlap"`
	MaxContentLen int `yaml:"max_content_len"`
	MaxChunkLen   int `yaml:"max_chunk_len"`
}

// CrawlConfig holds crawler limits.
type CrawlConfig struct {
	MaxPages     int      `yaml:"max_pages"`
	RatePerSec   float64  `yaml:"rate_per_sec"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	UserAgent    string   `yaml:"user_agent"`
}

// RetrieveConfig holds retrieval defaults.
type RetrieveConfig struct {
	TopK          int      `yaml:"top_k"`
	SearchTimeout Duration `yaml:"search_timeout"`
}

// IngestConfig holds orchestrator tuning.
type IngestConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	StoreTimeout Duration `yaml:"store_timeout"`
}

// NATSConfig holds message bus configuration for the async ingest path.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       "8080",
			CORSOrigin: "*",
		},
		Qdrant: QdrantConfig{
			URL:        "localhost:6334",
			Collection: "book_embeddings",
			Dimensions: 1024,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.cohere.ai",
			Model:      "embed-multilingual-v3.0",
			APIKeyEnv:  "COHERE_API_KEY",
			BatchSize:  96,
			RatePerSec: 10,
			Timeout:    Duration(30 * time.Second),
		},
		Chunking: ChunkingConfig{
			Size:          1000,
			Overlap:       100,
			MaxContentLen: 30_000,
			MaxChunkLen:   20_000,
		},
		Crawl: CrawlConfig{
			MaxPages:     100,
			RatePerSec:   2,
			FetchTimeout: Duration(15 * time.Second),
			UserAgent:    "libro-crawler/1.0",
		},
		Retrieve: RetrieveConfig{
			TopK:          5,
			SearchTimeout: Duration(5 * time.Second),
		},
		Ingest: IngestConfig{
			Concurrency:  4,
			StoreTimeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over file values.
func (c *Config) applyEnv() {
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Qdrant.URL = envOr("QDRANT_URL", c.Qdrant.URL)
	c.Qdrant.Collection = envOr("QDRANT_COLLECTION", c.Qdrant.Collection)
	c.Embedding.BaseURL = envOr("EMBED_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = envOr("EMBED_MODEL", c.Embedding.Model)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	if c.Embedding.APIKeyEnv != "" {
		c.Embedding.APIKey = os.Getenv(c.Embedding.APIKeyEnv)
	}
}

// Validate rejects configurations that would corrupt stored data or stall
// the pipeline.
func (c *Config) Validate() error {
	if c.Qdrant.Dimensions <= 0 {
		return fmt.Errorf("config: qdrant.dimensions must be positive, got %d", c.Qdrant.Dimensions)
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("config: chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("config: chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}
	if c.Chunking.MaxChunkLen < c.Chunking.Size {
		return fmt.Errorf("config: chunking.max_chunk_len %d below chunk size %d", c.Chunking.MaxChunkLen, c.Chunking.Size)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("config: embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.RatePerSec < 0 {
		return fmt.Errorf("config: embedding.rate_per_sec must not be negative, got %g", c.Embedding.RatePerSec)
	}
	if c.Retrieve.TopK <= 0 {
		return fmt.Errorf("config: retrieve.top_k must be positive, got %d", c.Retrieve.TopK)
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("config: ingest.concurrency must be positive, got %d", c.Ingest.Concurrency)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
