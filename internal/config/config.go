// Package config provides configuration loading for recalld.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, EMBEDDINGS_BASE_URL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"time"

	"github.com/praxisworks/recalld/internal/logging"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Store       StoreConfig       `koanf:"store"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Memory      MemoryConfig      `koanf:"memory"`
	Evolve      EvolveConfig      `koanf:"evolve"`
	Audit       AuditConfig       `koanf:"audit"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig configures the SQLite row store shared by the episodic store
// and the strategy repository.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// VectorStoreConfig selects and configures the ANN index backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string `koanf:"provider"`

	// Collection is the index collection holding episode vectors.
	Collection string `koanf:"collection"`

	// VectorSize is the embedding dimension. Must match the embedding
	// provider's output; the index is built and queried with cosine
	// distance in either backend.
	VectorSize int `koanf:"vector_size"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingsConfig configures the embedding provider client.
type EmbeddingsConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit is the maximum embed requests per second on the shared
	// provider connection. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// MemoryConfig configures the episodic memory paths.
type MemoryConfig struct {
	// QueueSize bounds the async episode logger's handoff channel.
	QueueSize int `koanf:"queue_size"`

	// PersistRetries and PersistBackoff bound the logger's store retry loop.
	PersistRetries int           `koanf:"persist_retries"`
	PersistBackoff time.Duration `koanf:"persist_backoff"`

	// CacheTTL and CacheMaxEntries configure the retrieval result cache.
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`

	// RetrievalTimeout is the hard deadline on the synchronous read path.
	RetrievalTimeout time.Duration `koanf:"retrieval_timeout"`

	// BackfillBatchSize and BackfillInterval drive the embedding reconciler.
	BackfillBatchSize int           `koanf:"backfill_batch_size"`
	BackfillInterval  time.Duration `koanf:"backfill_interval"`
}

// EvolveConfig configures the strategy evolution pipeline. The numeric
// policy knobs are deliberately configuration, not constants: the shipped
// defaults are uncalibrated and expected to be tuned against real outcomes.
type EvolveConfig struct {
	Interval   time.Duration `koanf:"interval"`
	LockTTL    time.Duration `koanf:"lock_ttl"`
	MinQuality float64       `koanf:"min_quality"`

	MinSupport        int           `koanf:"min_support"`
	SignificanceAlpha float64       `koanf:"significance_alpha"`
	WidenMargin       float64       `koanf:"widen_margin"`
	Damping           float64       `koanf:"damping"`
	DeprecationFloor  float64       `koanf:"deprecation_floor"`
	SuccessRateFloor  float64       `koanf:"success_rate_floor"`
	PromotionCeiling  float64       `koanf:"promotion_ceiling"`
	TrailingWindow    time.Duration `koanf:"trailing_window"`
	MinSampleCount    int           `koanf:"min_sample_count"`
}

// AuditConfig configures audit event publication. With an empty URL the
// evolver uses a no-op sink.
type AuditConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// ApplyDefaults sets default values for missing configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 9460
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Logging.ApplyDefaults()

	if c.Store.Path == "" {
		c.Store.Path = "~/.local/share/recalld/recalld.db"
	}

	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = "chromem"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "episodes"
	}
	if c.VectorStore.VectorSize == 0 {
		c.VectorStore.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}
	if c.VectorStore.Chromem.Path == "" {
		c.VectorStore.Chromem.Path = "~/.local/share/recalld/vectorstore"
	}
	if c.VectorStore.Qdrant.Host == "" {
		c.VectorStore.Qdrant.Host = "localhost"
	}
	if c.VectorStore.Qdrant.Port == 0 {
		c.VectorStore.Qdrant.Port = 6334
	}

	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:8080"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embeddings.Timeout == 0 {
		c.Embeddings.Timeout = 5 * time.Second
	}
	if c.Embeddings.BreakerThreshold == 0 {
		c.Embeddings.BreakerThreshold = 5
	}
	if c.Embeddings.BreakerCooldown == 0 {
		c.Embeddings.BreakerCooldown = 30 * time.Second
	}

	if c.Memory.QueueSize == 0 {
		c.Memory.QueueSize = 256
	}
	if c.Memory.PersistRetries == 0 {
		c.Memory.PersistRetries = 3
	}
	if c.Memory.PersistBackoff == 0 {
		c.Memory.PersistBackoff = 200 * time.Millisecond
	}
	if c.Memory.CacheTTL == 0 {
		c.Memory.CacheTTL = 30 * time.Second
	}
	if c.Memory.CacheMaxEntries == 0 {
		c.Memory.CacheMaxEntries = 256
	}
	if c.Memory.RetrievalTimeout == 0 {
		c.Memory.RetrievalTimeout = 100 * time.Millisecond
	}
	if c.Memory.BackfillBatchSize == 0 {
		c.Memory.BackfillBatchSize = 50
	}
	if c.Memory.BackfillInterval == 0 {
		c.Memory.BackfillInterval = 5 * time.Minute
	}

	if c.Evolve.Interval == 0 {
		c.Evolve.Interval = 24 * time.Hour
	}
	if c.Evolve.LockTTL == 0 {
		c.Evolve.LockTTL = 30 * time.Minute
	}
	if c.Evolve.MinQuality == 0 {
		c.Evolve.MinQuality = 0.7
	}
	if c.Evolve.MinSupport == 0 {
		c.Evolve.MinSupport = 3
	}
	if c.Evolve.SignificanceAlpha == 0 {
		c.Evolve.SignificanceAlpha = 0.05
	}
	if c.Evolve.WidenMargin == 0 {
		c.Evolve.WidenMargin = 0.1
	}
	if c.Evolve.Damping == 0 {
		c.Evolve.Damping = 0.3
	}
	if c.Evolve.DeprecationFloor == 0 {
		c.Evolve.DeprecationFloor = 0.3
	}
	if c.Evolve.SuccessRateFloor == 0 {
		c.Evolve.SuccessRateFloor = 0.4
	}
	if c.Evolve.PromotionCeiling == 0 {
		c.Evolve.PromotionCeiling = 0.9
	}
	if c.Evolve.TrailingWindow == 0 {
		c.Evolve.TrailingWindow = 14 * 24 * time.Hour
	}
	if c.Evolve.MinSampleCount == 0 {
		c.Evolve.MinSampleCount = 5
	}

	if c.Audit.Subject == "" {
		c.Audit.Subject = "recalld.evolve.runs"
	}
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider)
	}
	if c.VectorStore.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive")
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings base URL required")
	}
	if c.Evolve.MinSupport < 1 {
		return fmt.Errorf("min_support must be at least 1")
	}
	for name, v := range map[string]float64{
		"min_quality":        c.Evolve.MinQuality,
		"significance_alpha": c.Evolve.SignificanceAlpha,
		"damping":            c.Evolve.Damping,
		"deprecation_floor":  c.Evolve.DeprecationFloor,
		"success_rate_floor": c.Evolve.SuccessRateFloor,
		"promotion_ceiling":  c.Evolve.PromotionCeiling,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("evolve.%s must be in [0,1], got %v", name, v)
		}
	}
	return nil
}
