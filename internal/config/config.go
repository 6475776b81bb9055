// Package config loads EvalForge configuration from environment variables.
// Every tunable has a typed default; required values fail fast at Load with
// an error naming the missing variable.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/evalforge/evalforge/internal/model"
)

// Config holds all EvalForge configuration.
type Config struct {
	Version string

	Provider  ProviderConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Firestore FirestoreConfig
	Redaction RedactionConfig
	Batch     BatchConfig
	Approval  ApprovalConfig
	Server    ServerConfig
}

// ProviderConfig configures the observability provider (Datadog).
type ProviderConfig struct {
	APIKey string
	AppKey string
	Site   string
}

// LLMConfig configures the Gemini generation client.
type LLMConfig struct {
	Project     string
	Location    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	Model     string
	Location  string
	Dimension int
}

// FirestoreConfig configures the document store.
type FirestoreConfig struct {
	Project          string
	DatabaseID       string
	CollectionPrefix string
}

// RedactionConfig configures PII handling.
type RedactionConfig struct {
	Salt string
}

// BatchConfig holds per-stage batch tunables.
type BatchConfig struct {
	ExtractionBatchSize int
	DedupBatchSize      int
	GeneratorBatchSize  int
	ExtractionTimeout   time.Duration
	GeneratorTimeout    time.Duration
	ItemBudgetUSD       float64
	RunBudgetUSD        float64
	DedupThreshold      float64
	LookbackHours       int
	QualityThreshold    float64
}

// ApprovalConfig configures the approval surface.
type ApprovalConfig struct {
	APIKey     string
	WebhookURL string
}

// ServerConfig configures the HTTP server and scheduler.
type ServerConfig struct {
	Addr             string
	ScheduleInterval time.Duration
}

// DefaultConfig returns the configuration defaults, before env overrides.
func DefaultConfig() *Config {
	return &Config{
		Version: "0.4.0",
		Provider: ProviderConfig{
			Site: "datadoghq.com",
		},
		LLM: LLMConfig{
			Location:    "us-central1",
			Model:       "gemini-2.5-flash",
			Temperature: 0.2,
			MaxTokens:   8192,
		},
		Embedding: EmbeddingConfig{
			Model:     "gemini-embedding-001",
			Location:  "us-central1",
			Dimension: 768,
		},
		Firestore: FirestoreConfig{
			DatabaseID:       "(default)",
			CollectionPrefix: "evalforge_",
		},
		Batch: BatchConfig{
			ExtractionBatchSize: 20,
			DedupBatchSize:      50,
			GeneratorBatchSize:  10,
			ExtractionTimeout:   60 * time.Second,
			GeneratorTimeout:    45 * time.Second,
			ItemBudgetUSD:       0.05,
			RunBudgetUSD:        1.00,
			DedupThreshold:      0.85,
			LookbackHours:       24,
			QualityThreshold:    0.5,
		},
		Server: ServerConfig{
			Addr:             ":8080",
			ScheduleInterval: 15 * time.Minute,
		},
	}
}

// Load builds the configuration from the environment. It returns a
// configuration_error naming the first missing required variable.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	var err error
	required := func(key string) string {
		if err != nil {
			return ""
		}
		v := os.Getenv(key)
		if v == "" {
			err = model.E(model.KindConfiguration, "required environment variable %s is not set", key)
		}
		return v
	}

	cfg.Provider.APIKey = required("DD_API_KEY")
	cfg.Provider.AppKey = required("DD_APP_KEY")
	cfg.Provider.Site = envString("DD_SITE", cfg.Provider.Site)

	cfg.LLM.Project = required("GOOGLE_CLOUD_PROJECT")
	cfg.LLM.APIKey = required("GEMINI_API_KEY")
	cfg.LLM.Location = envString("LLM_LOCATION", cfg.LLM.Location)
	cfg.LLM.Model = envString("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Temperature = envFloat("LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.MaxTokens = envInt("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)

	cfg.Embedding.Model = envString("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Location = envString("EMBEDDING_LOCATION", cfg.Embedding.Location)
	cfg.Embedding.Dimension = envInt("EMBEDDING_DIM", cfg.Embedding.Dimension)

	cfg.Firestore.Project = cfg.LLM.Project
	cfg.Firestore.DatabaseID = envString("FIRESTORE_DATABASE_ID", cfg.Firestore.DatabaseID)
	cfg.Firestore.CollectionPrefix = envString("FIRESTORE_COLLECTION_PREFIX", cfg.Firestore.CollectionPrefix)

	cfg.Redaction.Salt = required("PII_SALT")

	cfg.Batch.ExtractionBatchSize = envInt("EXTRACTION_BATCH_SIZE", cfg.Batch.ExtractionBatchSize)
	cfg.Batch.DedupBatchSize = envInt("DEDUP_BATCH_SIZE", cfg.Batch.DedupBatchSize)
	cfg.Batch.GeneratorBatchSize = envInt("GENERATOR_BATCH_SIZE", cfg.Batch.GeneratorBatchSize)
	cfg.Batch.ExtractionTimeout = envDuration("EXTRACTION_ITEM_TIMEOUT", cfg.Batch.ExtractionTimeout)
	cfg.Batch.GeneratorTimeout = envDuration("GENERATOR_ITEM_TIMEOUT", cfg.Batch.GeneratorTimeout)
	cfg.Batch.ItemBudgetUSD = envFloat("GENERATOR_ITEM_BUDGET_USD", cfg.Batch.ItemBudgetUSD)
	cfg.Batch.RunBudgetUSD = envFloat("GENERATOR_RUN_BUDGET_USD", cfg.Batch.RunBudgetUSD)
	cfg.Batch.DedupThreshold = envFloat("DEDUP_THRESHOLD", cfg.Batch.DedupThreshold)
	cfg.Batch.LookbackHours = envInt("TRACE_LOOKBACK_HOURS", cfg.Batch.LookbackHours)
	cfg.Batch.QualityThreshold = envFloat("QUALITY_THRESHOLD", cfg.Batch.QualityThreshold)

	cfg.Approval.APIKey = required("APPROVAL_API_KEY")
	cfg.Approval.WebhookURL = os.Getenv("SLACK_WEBHOOK_URL")

	cfg.Server.Addr = envString("HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.ScheduleInterval = envDuration("SCHEDULE_INTERVAL", cfg.Server.ScheduleInterval)

	if err != nil {
		return nil, err
	}
	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	return cfg, nil
}

// Validate checks cross-field constraints that a present-but-wrong value
// would otherwise surface deep inside a batch.
func (c *Config) Validate() error {
	if c.Batch.ExtractionBatchSize < 1 || c.Batch.ExtractionBatchSize > 200 {
		return model.E(model.KindConfiguration, "EXTRACTION_BATCH_SIZE must be in 1..200, got %d", c.Batch.ExtractionBatchSize)
	}
	if c.Batch.DedupBatchSize < 1 || c.Batch.DedupBatchSize > 500 {
		return model.E(model.KindConfiguration, "DEDUP_BATCH_SIZE must be in 1..500, got %d", c.Batch.DedupBatchSize)
	}
	if c.Batch.GeneratorBatchSize < 1 || c.Batch.GeneratorBatchSize > 200 {
		return model.E(model.KindConfiguration, "GENERATOR_BATCH_SIZE must be in 1..200, got %d", c.Batch.GeneratorBatchSize)
	}
	if c.Batch.DedupThreshold <= 0 || c.Batch.DedupThreshold > 1 {
		return model.E(model.KindConfiguration, "DEDUP_THRESHOLD must be in (0,1], got %g", c.Batch.DedupThreshold)
	}
	if c.Embedding.Dimension <= 0 {
		return model.E(model.KindConfiguration, "EMBEDDING_DIM must be positive, got %d", c.Embedding.Dimension)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return model.E(model.KindConfiguration, "LLM_TEMPERATURE must be in [0,2], got %g", c.LLM.Temperature)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept both "45s" and bare seconds.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Describe returns the non-secret configuration for health endpoints.
func (c *Config) Describe() map[string]any {
	return map[string]any{
		"llm_model":             c.LLM.Model,
		"embedding_model":       c.Embedding.Model,
		"embedding_dim":         c.Embedding.Dimension,
		"collection_prefix":     c.Firestore.CollectionPrefix,
		"extraction_batch_size": c.Batch.ExtractionBatchSize,
		"dedup_threshold":       c.Batch.DedupThreshold,
		"schedule_interval":     c.Server.ScheduleInterval.String(),
		"webhook_configured":    c.Approval.WebhookURL != "",
	}
}
