// Package novaconfig loads the engine's configuration: defaults,
// overridden by an optional YAML file, overridden by environment
// variables — the same layering order the reference config loaders use,
// at a fraction of their surface since this engine carries no channel
// credentials or plugin manifests.
package novaconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	// DatabaseURL is the Postgres DSN (lib/pq form).
	DatabaseURL string `yaml:"database_url"`

	// Timezone is the zone day labels and cron schedules default to.
	Timezone string `yaml:"timezone"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Worker     WorkerConfig     `yaml:"worker"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// ObjectStoreURL is recognized for file download URL rewriting by
	// the out-of-scope upload surface; the engine only carries it.
	ObjectStoreURL string `yaml:"object_store_url"`
}

// EmbeddingsConfig selects the embedding provider. An empty APIKey
// selects the deterministic hashing fallback provider instead of the
// OpenAI one, rather than erroring.
type EmbeddingsConfig struct {
	URL    string `yaml:"url"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// LLMConfig configures the agent graph's provider client.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// WorkerConfig sizes the task executor pool.
type WorkerConfig struct {
	Concurrency          int `yaml:"concurrency"`
	EmbeddingIntervalSec int `yaml:"embedding_interval_seconds"`
}

// MetricsConfig configures the Prometheus endpoint; empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Timezone: "UTC",
		Embeddings: EmbeddingsConfig{
			Model: "text-embedding-3-small",
		},
		Worker: WorkerConfig{
			Concurrency:          4,
			EmbeddingIntervalSec: 15,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (if non-empty and present), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Timezone, "TZ_DEFAULT")
	setString(&cfg.Embeddings.URL, "EMBEDDINGS_URL")
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL")
	setString(&cfg.Embeddings.APIKey, "EMBEDDINGS_API_KEY")
	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.ObjectStoreURL, "OBJECT_STORE_URL")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")
	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
