// Package config loads engine configuration from a YAML file with
// environment overrides for service addresses.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Every field has a default;
// a missing config file is not an error.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Ollama      OllamaConfig      `yaml:"ollama"`
	NER         NERConfig         `yaml:"ner"`
	Extract     ExtractConfig     `yaml:"extract"`
	Store       StoreConfig       `yaml:"store"`
	Session     SessionConfig     `yaml:"session"`
	Assemble    AssembleConfig    `yaml:"assemble"`
	Temporal    TemporalConfig    `yaml:"temporal"`
	Replay      ReplayConfig      `yaml:"replay"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
}

// OllamaConfig configures the embedding/generation collaborator.
type OllamaConfig struct {
	BaseURL       string `yaml:"base_url"`
	EmbedModel    string `yaml:"embed_model"`
	GenerateModel string `yaml:"generate_model"`
	EmbedTimeout  int    `yaml:"embed_timeout_secs"`    // per-call, seconds
	GenTimeout    int    `yaml:"generate_timeout_secs"` // per-call, seconds
}

// NERConfig configures the NER sidecar collaborator.
type NERConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ExtractConfig configures the candidate-fact extraction adapter.
type ExtractConfig struct {
	MinConfidence float64 `yaml:"min_confidence"` // drop candidates below this
}

// StoreConfig configures the durable fact store.
type StoreConfig struct {
	SimilarK            int     `yaml:"similar_k"`            // neighbors fetched before resolution
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // min cosine sim to count as "similar"
	MinStoreConfidence  float64 `yaml:"min_store_confidence"` // local veto floor
	ImmutableConfidence float64 `yaml:"immutable_confidence"` // identity/temporal facts at or above become immutable
	VariantThreshold    float64 `yaml:"variant_threshold"`    // cluster membership similarity
	VariantCap          int     `yaml:"variant_cap"`          // live facts per cluster
	LockTimeoutMillis   int     `yaml:"lock_timeout_millis"`  // per-user write lock wait
}

// LockTimeout returns the per-user lock acquisition timeout.
func (c StoreConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// SessionConfig configures the ephemeral message cache.
type SessionConfig struct {
	Backend       string `yaml:"backend"` // memory or redis
	TTLHours      int    `yaml:"ttl_hours"`
	MaxMessages   int    `yaml:"max_messages"` // per conversation
	SweepMinutes  int    `yaml:"sweep_minutes"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// TTL returns the session message time-to-live.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// SweepInterval returns the background expiry sweep period.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// AssembleConfig configures the context assembler.
type AssembleConfig struct {
	RecentMessages     int     `yaml:"recent_messages"`      // session messages fetched unconditionally
	FactLimit          int     `yaml:"fact_limit"`           // top-M facts fetched
	MinFactConfidence  float64 `yaml:"min_fact_confidence"`  // confidence threshold for retrieval
	TopicShiftDistance float64 `yaml:"topic_shift_distance"` // cosine distance that marks a context switch
	RecencyHalfLifeHrs int     `yaml:"recency_half_life_hours"`
}

// TemporalConfig configures decay and trend computation.
type TemporalConfig struct {
	DecayHalfLifeDays int     `yaml:"decay_half_life_days"`
	DecayFloor        float64 `yaml:"decay_floor"`
	MinTrendPoints    int     `yaml:"min_trend_points"`
}

// ReplayConfig configures experience replay.
type ReplayConfig struct {
	MaxExperiences   int     `yaml:"max_experiences"`
	Seed             int64   `yaml:"seed"` // 0 = system entropy
	ImportanceWeight float64 `yaml:"importance_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	FeedbackWeight   float64 `yaml:"feedback_weight"`
}

// ConsolidateConfig configures the background consolidation scheduler.
type ConsolidateConfig struct {
	MaxConcurrent      int     `yaml:"max_concurrent"`
	JobTimeoutMinutes  int     `yaml:"job_timeout_minutes"`
	IdleCPUPercent     float64 `yaml:"idle_cpu_percent"`
	IdleWindowMinutes  int     `yaml:"idle_window_minutes"`
	PollMinutes        int     `yaml:"poll_minutes"`
	VariantPurgeDays   int     `yaml:"variant_purge_days"`
	MinRunGapDays      int     `yaml:"min_run_gap_days"` // skip users consolidated more recently
}

// JobTimeout returns the per-job time budget.
func (c ConsolidateConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// IdleWindow returns how long CPU must stay below the idle threshold.
func (c ConsolidateConfig) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowMinutes) * time.Minute
}

// PollInterval returns the CPU sampling period.
func (c ConsolidateConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMinutes) * time.Minute
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "state",
		Ollama: OllamaConfig{
			BaseURL:       "http://localhost:11434",
			EmbedModel:    "nomic-embed-text",
			GenerateModel: "llama3.2",
			EmbedTimeout:  30,
			GenTimeout:    60,
		},
		NER: NERConfig{
			BaseURL: "http://127.0.0.1:8099",
		},
		Extract: ExtractConfig{
			MinConfidence: 0.3,
		},
		Store: StoreConfig{
			SimilarK:            5,
			SimilarityThreshold: 0.92,
			MinStoreConfidence:  0.3,
			ImmutableConfidence: 0.9,
			VariantThreshold:    0.85,
			VariantCap:          3,
			LockTimeoutMillis:   2000,
		},
		Session: SessionConfig{
			Backend:      "memory",
			TTLHours:     24,
			MaxMessages:  200,
			SweepMinutes: 10,
			RedisAddr:    "localhost:6379",
		},
		Assemble: AssembleConfig{
			RecentMessages:     10,
			FactLimit:          20,
			MinFactConfidence:  0.3,
			TopicShiftDistance: 0.45,
			RecencyHalfLifeHrs: 72,
		},
		Temporal: TemporalConfig{
			DecayHalfLifeDays: 30,
			DecayFloor:        0.1,
			MinTrendPoints:    3,
		},
		Replay: ReplayConfig{
			MaxExperiences:   100,
			ImportanceWeight: 0.5,
			RecencyWeight:    0.3,
			FeedbackWeight:   0.2,
		},
		Consolidate: ConsolidateConfig{
			MaxConcurrent:     4,
			JobTimeoutMinutes: 60,
			IdleCPUPercent:    20,
			IdleWindowMinutes: 5,
			PollMinutes:       1,
			VariantPurgeDays:  90,
			MinRunGapDays:     6,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides for service addresses. A missing file is fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Env overrides for addresses so deployments don't need a file edit
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("NER_URL"); v != "" {
		cfg.NER.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Session.RedisAddr = v
	}
	if v := os.Getenv("KEEPSAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg, nil
}
