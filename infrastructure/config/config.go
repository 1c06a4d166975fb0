// Package config loads and validates the fabric configuration. Settings
// come from a YAML file decoded strictly, so unknown options fail at load
// time, then environment variables override individual fields.
package config

import (
	"bytes"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fabric/pkg/errors"
)

// BackendConfig points at one Cypher backend.
type BackendConfig struct {
	URI      string `yaml:"uri" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Neo4jConfig is the primary (local) backend plus the optional shared
// (global) backend for the dual-knowledge layer.
type Neo4jConfig struct {
	BackendConfig `yaml:",inline"`
	Shared        *BackendConfig `yaml:"shared"`
}

type PoolConfig struct {
	Size   int `yaml:"size" validate:"min=1"`
	WaitMS int `yaml:"wait_ms" validate:"min=1"`
}

func (p PoolConfig) Wait() time.Duration { return time.Duration(p.WaitMS) * time.Millisecond }

type EventsConfig struct {
	QueueCapacity      int `yaml:"queue_capacity" validate:"min=1"`
	WorkerCount        int `yaml:"worker_count" validate:"min=1"`
	BackpressureWaitMS int `yaml:"backpressure_wait_ms" validate:"min=0"`
}

func (e EventsConfig) BackpressureWait() time.Duration {
	return time.Duration(e.BackpressureWaitMS) * time.Millisecond
}

type WeightsConfig struct {
	Alpha float64 `yaml:"alpha" validate:"min=0"`
	Beta  float64 `yaml:"beta" validate:"min=0"`
	Gamma float64 `yaml:"gamma" validate:"min=0"`
}

type MemoryConfig struct {
	Weights     WeightsConfig `yaml:"weights"`
	DecayLambda float64       `yaml:"decay_lambda" validate:"min=0"`
}

type SyncConfig struct {
	DefaultPeriodMS       int `yaml:"default_period_ms" validate:"min=1"`
	PriorityQueueCapacity int `yaml:"priority_queue_capacity" validate:"min=1"`
}

func (s SyncConfig) DefaultPeriod() time.Duration {
	return time.Duration(s.DefaultPeriodMS) * time.Millisecond
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider" validate:"oneof=none static"`
	Dimensions int    `yaml:"dimensions" validate:"min=0"`
}

type AgentConfig struct {
	ID string `yaml:"id"`
}

// Config is the full fabric configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Pool      PoolConfig      `yaml:"pool"`
	Events    EventsConfig    `yaml:"events"`
	Memory    MemoryConfig    `yaml:"memory"`
	Sync      SyncConfig      `yaml:"sync"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	MaxRetryS int             `yaml:"max_retry_s" validate:"min=0"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func (c Config) MaxRetryTime() time.Duration { return time.Duration(c.MaxRetryS) * time.Second }

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Agent: AgentConfig{ID: "agent-local"},
		Neo4j: Neo4jConfig{BackendConfig: BackendConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		}},
		Pool:   PoolConfig{Size: 10, WaitMS: 5000},
		Events: EventsConfig{QueueCapacity: 1024, WorkerCount: 4, BackpressureWaitMS: 200},
		Memory: MemoryConfig{
			Weights:     WeightsConfig{Alpha: 0.5, Beta: 0.3, Gamma: 0.2},
			DecayLambda: 0.01,
		},
		Sync:      SyncConfig{DefaultPeriodMS: 60000, PriorityQueueCapacity: 256},
		Embedding: EmbeddingConfig{Provider: "none"},
		MaxRetryS: 30,
		LogLevel:  "info",
	}
}

// Load reads the YAML file at path (optional, empty path skips the file),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, errors.KindConfiguration, "reading config file")
		}
		if err := decodeStrict(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "parsing config file")
	}
	return nil
}

// Validate checks structural constraints plus the rules the struct tags
// cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, errors.KindConfiguration, "invalid configuration")
	}
	w := c.Memory.Weights
	if w.Alpha+w.Beta+w.Gamma <= 0 {
		return errors.NewConfiguration("memory weights must not all be zero")
	}
	if c.Embedding.Provider != "none" && c.Embedding.Dimensions <= 0 {
		return errors.NewConfiguration("embedding.dimensions required when a provider is set")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Agent.ID = getEnv("FABRIC_AGENT_ID", cfg.Agent.ID)
	cfg.Neo4j.URI = getEnv("FABRIC_NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.Username = getEnv("FABRIC_NEO4J_USERNAME", cfg.Neo4j.Username)
	cfg.Neo4j.Password = getEnv("FABRIC_NEO4J_PASSWORD", cfg.Neo4j.Password)
	cfg.Neo4j.Database = getEnv("FABRIC_NEO4J_DATABASE", cfg.Neo4j.Database)
	if uri := os.Getenv("FABRIC_NEO4J_SHARED_URI"); uri != "" {
		if cfg.Neo4j.Shared == nil {
			cfg.Neo4j.Shared = &BackendConfig{}
		}
		cfg.Neo4j.Shared.URI = uri
		cfg.Neo4j.Shared.Username = getEnv("FABRIC_NEO4J_SHARED_USERNAME", cfg.Neo4j.Shared.Username)
		cfg.Neo4j.Shared.Password = getEnv("FABRIC_NEO4J_SHARED_PASSWORD", cfg.Neo4j.Shared.Password)
		cfg.Neo4j.Shared.Database = getEnv("FABRIC_NEO4J_SHARED_DATABASE", cfg.Neo4j.Shared.Database)
	}
	cfg.Pool.Size = getEnvInt("FABRIC_POOL_SIZE", cfg.Pool.Size)
	cfg.Pool.WaitMS = getEnvInt("FABRIC_POOL_WAIT_MS", cfg.Pool.WaitMS)
	cfg.Events.QueueCapacity = getEnvInt("FABRIC_EVENTS_QUEUE_CAPACITY", cfg.Events.QueueCapacity)
	cfg.Events.WorkerCount = getEnvInt("FABRIC_EVENTS_WORKER_COUNT", cfg.Events.WorkerCount)
	cfg.Events.BackpressureWaitMS = getEnvInt("FABRIC_EVENTS_BACKPRESSURE_WAIT_MS", cfg.Events.BackpressureWaitMS)
	cfg.Memory.Weights.Alpha = getEnvFloat("FABRIC_MEMORY_ALPHA", cfg.Memory.Weights.Alpha)
	cfg.Memory.Weights.Beta = getEnvFloat("FABRIC_MEMORY_BETA", cfg.Memory.Weights.Beta)
	cfg.Memory.Weights.Gamma = getEnvFloat("FABRIC_MEMORY_GAMMA", cfg.Memory.Weights.Gamma)
	cfg.Memory.DecayLambda = getEnvFloat("FABRIC_MEMORY_DECAY_LAMBDA", cfg.Memory.DecayLambda)
	cfg.Sync.DefaultPeriodMS = getEnvInt("FABRIC_SYNC_DEFAULT_PERIOD_MS", cfg.Sync.DefaultPeriodMS)
	cfg.Sync.PriorityQueueCapacity = getEnvInt("FABRIC_SYNC_QUEUE_CAPACITY", cfg.Sync.PriorityQueueCapacity)
	cfg.Embedding.Provider = getEnv("FABRIC_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Dimensions = getEnvInt("FABRIC_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.LogLevel = getEnv("FABRIC_LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
