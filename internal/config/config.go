package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all mnemo configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Patterns      PatternsConfig      `yaml:"patterns"`
	Graph         GraphConfig         `yaml:"graph"`
	Privacy       PrivacyConfig       `yaml:"privacy"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

type ServerConfig struct {
	Bind string `yaml:"bind" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // resolved at runtime via store.DefaultDBPath()
}

type PostgresConfig struct {
	URL string `yaml:"url"` // empty = records stay in SQLite
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider" validate:"oneof=ollama openai tfidf none"`
	Model      string `yaml:"model"`
	OllamaURL  string `yaml:"ollama_url"`
	OpenAIKey  string `yaml:"openai_key"`
	Dimensions int    `yaml:"dimensions" validate:"min=0"`
	MaxTerms   int    `yaml:"max_terms" validate:"min=0"`
}

type LLMConfig struct {
	Provider     string `yaml:"provider" validate:"oneof=anthropic ollama none"`
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	OllamaModel  string `yaml:"ollama_model"`
	AnthropicKey string `yaml:"anthropic_key"`
}

type ConsolidationConfig struct {
	Interval time.Duration `yaml:"interval" validate:"min=0"`

	WorkingGrace  time.Duration `yaml:"working_grace" validate:"min=0"`
	EpisodicGrace time.Duration `yaml:"episodic_grace" validate:"min=0"`
	SemanticGrace time.Duration `yaml:"semantic_grace" validate:"min=0"`

	BaseDecayRate        float64 `yaml:"base_decay_rate" validate:"gte=0,lte=1"`
	ImportanceNormalizer float64 `yaml:"importance_normalizer" validate:"gt=0"`
	AccessBoost          float64 `yaml:"access_boost" validate:"gte=0,lte=1"`

	WorkingRetention           time.Duration `yaml:"working_retention" validate:"min=0"`
	SemanticPromotionThreshold int           `yaml:"semantic_promotion_threshold" validate:"min=1"`
	PromotionStrengthFloor     float64       `yaml:"promotion_strength_floor" validate:"gte=0,lte=1"`
	ArchivalFloor              float64       `yaml:"archival_floor" validate:"gte=0,lte=1"`
	PromotionLease             time.Duration `yaml:"promotion_lease" validate:"gt=0"`

	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"min=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	InitialWindow  time.Duration `yaml:"initial_window" validate:"gt=0"`
}

type PatternsConfig struct {
	Window              time.Duration `yaml:"window" validate:"gt=0"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	MinInstances        int           `yaml:"min_instances" validate:"min=1"`
	ReuseSimilarity     float64       `yaml:"reuse_similarity" validate:"gt=0,lte=1"`
	ReinforceBoost      float64       `yaml:"reinforce_boost" validate:"gte=0,lte=1"`
	Index               string        `yaml:"index" validate:"oneof=exact lsh"`
	LSHBits             int           `yaml:"lsh_bits" validate:"min=1,max=64"`
	LSHBands            int           `yaml:"lsh_bands" validate:"min=1"`
}

type GraphConfig struct {
	MaxDepth    int     `yaml:"max_depth" validate:"min=1"`
	MinStrength float64 `yaml:"min_strength" validate:"gte=0,lte=1"`
	MaxResults  int     `yaml:"max_results" validate:"min=1"`
}

type PrivacyConfig struct {
	K              int      `yaml:"k" validate:"min=2"`
	Epsilon        float64  `yaml:"epsilon" validate:"gt=0"`
	Sensitivity    float64  `yaml:"sensitivity" validate:"gt=0"`
	BudgetCeiling  float64  `yaml:"budget_ceiling" validate:"gt=0"`
	MinLabelWeight float64  `yaml:"min_label_weight" validate:"gte=0,lte=1"`
	SensitiveTerms []string `yaml:"sensitive_terms"`
	ShareRate      float64  `yaml:"share_rate" validate:"gte=0"` // requests per second, 0 = unlimited
	ShareBurst     int      `yaml:"share_burst" validate:"min=0"`
}

type TelemetryConfig struct {
	TraceStdout bool `yaml:"trace_stdout"`
	Metrics     bool `yaml:"metrics"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedding: EmbeddingConfig{
			Provider:  "tfidf",
			Model:     "nomic-embed-text",
			OllamaURL: "http://localhost:11434",
			MaxTerms:  512,
		},
		LLM: LLMConfig{
			Provider:    "none",
			Model:       "claude-haiku-4-5-20251001",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.2",
		},
		Consolidation: ConsolidationConfig{
			Interval:                   time.Hour,
			WorkingGrace:               time.Hour,
			EpisodicGrace:              24 * time.Hour,
			SemanticGrace:              7 * 24 * time.Hour,
			BaseDecayRate:              0.05,
			ImportanceNormalizer:       5,
			AccessBoost:                0.1,
			WorkingRetention:           6 * time.Hour,
			SemanticPromotionThreshold: 5,
			PromotionStrengthFloor:     0.6,
			ArchivalFloor:              0.05,
			PromotionLease:             10 * time.Minute,
			MaxAttempts:                3,
			InitialBackoff:             200 * time.Millisecond,
			Timeout:                    5 * time.Minute,
			InitialWindow:              24 * time.Hour,
		},
		Patterns: PatternsConfig{
			Window:              7 * 24 * time.Hour,
			SimilarityThreshold: 0.85,
			MinInstances:        3,
			ReuseSimilarity:     0.90,
			ReinforceBoost:      0.1,
			Index:               "exact",
			LSHBits:             8,
			LSHBands:            4,
		},
		Graph: GraphConfig{
			MaxDepth:    2,
			MinStrength: 0.5,
			MaxResults:  10,
		},
		Privacy: PrivacyConfig{
			K:              5,
			Epsilon:        1.0,
			Sensitivity:    1.0,
			BudgetCeiling:  5.0,
			MinLabelWeight: 0.2,
			SensitiveTerms: []string{"health", "medical", "diagnosis", "password", "salary", "religion"},
			ShareRate:      1,
			ShareBurst:     5,
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
	}
}

// DefaultPath returns the default config path: ~/.mnemo/config.yaml, or ""
// when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mnemo", "config.yaml")
}

// Load reads a YAML config file over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MNEMO_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MNEMO_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("MNEMO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Embedding.OpenAIKey == "" {
		cfg.Embedding.OpenAIKey = v
	}
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Consolidation.ArchivalFloor >= c.Consolidation.PromotionStrengthFloor {
		return fmt.Errorf("consolidation.archival_floor (%.2f) must be below promotion_strength_floor (%.2f)",
			c.Consolidation.ArchivalFloor, c.Consolidation.PromotionStrengthFloor)
	}
	if c.Patterns.Index == "lsh" && c.Patterns.LSHBands > c.Patterns.LSHBits {
		return fmt.Errorf("patterns.lsh_bands (%d) cannot exceed lsh_bits (%d)", c.Patterns.LSHBands, c.Patterns.LSHBits)
	}
	if c.Privacy.Epsilon > c.Privacy.BudgetCeiling {
		return fmt.Errorf("privacy.epsilon (%.2f) exceeds budget_ceiling (%.2f)", c.Privacy.Epsilon, c.Privacy.BudgetCeiling)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.OpenAIKey == "" {
		return fmt.Errorf("embedding provider openai requires OPENAI_API_KEY or embedding.openai_key")
	}
	if c.Postgres.URL != "" && c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("postgres backend requires embedding.dimensions")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
