package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// CatalogConfig locates the laptop table.
type CatalogConfig struct {
	Path    string `yaml:"path"`
	IDField string `yaml:"id_field"`
	// SubsetN samples at most this many rows; 0 keeps all, unset means 300.
	SubsetN *int   `yaml:"subset_n"`
	Seed    uint64 `yaml:"seed"`
}

// ChunkerConfig bounds the word windows of field chunks.
type ChunkerConfig struct {
	MinTokens int `yaml:"min_tokens"`
	MaxTokens int `yaml:"max_tokens"`
}

// RetrievalConfig tunes the BM25 index.
type RetrievalConfig struct {
	TopK    int     `yaml:"top_k"`
	K1      float64 `yaml:"k1"`
	B       float64 `yaml:"b"`
	Workers int     `yaml:"workers"`
}

// OpenAIConfig holds configuration for the OpenAI-compatible chat model.
type OpenAIConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	Temperature float64 `yaml:"temperature"`
}

// RetryConfig is the transport-level retry policy of the generator.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

// GeneratorConfig selects and configures the generator implementation.
type GeneratorConfig struct {
	Type       string        `yaml:"type"`
	OpenAI     *OpenAIConfig `yaml:"openai,omitempty"`
	Retry      RetryConfig   `yaml:"retry"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

type PipelineConfig struct {
	MaxAnswerWords int `yaml:"max_answer_words"`
	MaxAttempts    int `yaml:"max_attempts"`
	Concurrency    int `yaml:"concurrency"`
}

type CriticConfig struct {
	MinTokenLen int `yaml:"min_token_len"`
	MinHits     int `yaml:"min_hits"`
}

// OutputConfig names the files written under Dir. SQLitePath is optional.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	Runs         string `yaml:"runs"`
	CriticLogs   string `yaml:"critic_logs"`
	IndexPreview string `yaml:"index_preview"`
	SQLitePath   string `yaml:"sqlite_path"`
}

type EvalConfig struct {
	QueriesPath string `yaml:"queries_path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Generator GeneratorConfig `yaml:"generator"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Critic    CriticConfig    `yaml:"critic"`
	Output    OutputConfig    `yaml:"output"`
	Eval      EvalConfig      `yaml:"eval"`
	Log       LogConfig       `yaml:"log"`
}

// OutputPath joins name onto the output directory unless it is absolute.
func (c *AppConfig) OutputPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Output.Dir, name)
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/laptoprag/config.yaml.
// If neither exists, it writes defaults to ~/.config/laptoprag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "laptoprag", "config.yaml"), nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join("data", "Laptops_with_technical_specifications.csv")
	}
	if cfg.Catalog.IDField == "" {
		cfg.Catalog.IDField = "laptop_id"
	}
	if cfg.Catalog.SubsetN == nil {
		n := 300
		cfg.Catalog.SubsetN = &n
	}
	if cfg.Catalog.Seed == 0 {
		cfg.Catalog.Seed = 42
	}
	if cfg.Chunker.MinTokens == 0 {
		cfg.Chunker.MinTokens = 50
	}
	if cfg.Chunker.MaxTokens == 0 {
		cfg.Chunker.MaxTokens = 120
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.K1 == 0 {
		cfg.Retrieval.K1 = 1.5
	}
	if cfg.Retrieval.B == 0 {
		cfg.Retrieval.B = 0.75
	}
	if cfg.Generator.Type == "" {
		cfg.Generator.Type = "offline"
	}
	if cfg.Generator.Type == "openai" {
		if cfg.Generator.OpenAI == nil {
			cfg.Generator.OpenAI = &OpenAIConfig{}
		}
		o := cfg.Generator.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "gpt-4o-mini"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 60
		}
	}
	if cfg.Generator.Retry.MaxAttempts == 0 {
		cfg.Generator.Retry.MaxAttempts = 3
	}
	if cfg.Generator.Retry.InitialBackoffMS == 0 {
		cfg.Generator.Retry.InitialBackoffMS = 1000
	}
	if cfg.Generator.Retry.MaxBackoffMS == 0 {
		cfg.Generator.Retry.MaxBackoffMS = 8000
	}
	if cfg.Pipeline.MaxAnswerWords == 0 {
		cfg.Pipeline.MaxAnswerWords = 120
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 2
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 4
	}
	if cfg.Critic.MinTokenLen == 0 {
		cfg.Critic.MinTokenLen = 4
	}
	if cfg.Critic.MinHits == 0 {
		cfg.Critic.MinHits = 2
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "outputs"
	}
	if cfg.Output.Runs == "" {
		cfg.Output.Runs = "runs.jsonl"
	}
	if cfg.Output.CriticLogs == "" {
		cfg.Output.CriticLogs = "critic_logs.jsonl"
	}
	if cfg.Output.IndexPreview == "" {
		cfg.Output.IndexPreview = "index_preview.csv"
	}
	if cfg.Eval.QueriesPath == "" {
		cfg.Eval.QueriesPath = filepath.Join("data", "eval_queries.json")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports the first inconsistent setting.
func (c *AppConfig) Validate() error {
	switch {
	case c.Catalog.SubsetN != nil && *c.Catalog.SubsetN < 0:
		return fmt.Errorf("%w: catalog.subset_n must not be negative", ErrInvalid)
	case c.Chunker.MinTokens < 0 || c.Chunker.MaxTokens <= 0:
		return fmt.Errorf("%w: chunker token bounds must be positive", ErrInvalid)
	case c.Chunker.MinTokens > c.Chunker.MaxTokens:
		return fmt.Errorf("%w: chunker.min_tokens %d exceeds max_tokens %d", ErrInvalid, c.Chunker.MinTokens, c.Chunker.MaxTokens)
	case c.Retrieval.TopK < 0:
		return fmt.Errorf("%w: retrieval.top_k must not be negative", ErrInvalid)
	case c.Retrieval.K1 < 0 || c.Retrieval.B < 0 || c.Retrieval.B > 1:
		return fmt.Errorf("%w: retrieval.k1 must be >= 0 and retrieval.b within [0,1]", ErrInvalid)
	case c.Generator.Type != "openai" && c.Generator.Type != "offline":
		return fmt.Errorf("%w: unknown generator type %q", ErrInvalid, c.Generator.Type)
	case c.Generator.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: generator.retry.max_attempts must be at least 1", ErrInvalid)
	case c.Generator.Retry.InitialBackoffMS > c.Generator.Retry.MaxBackoffMS:
		return fmt.Errorf("%w: generator.retry.initial_backoff_ms exceeds max_backoff_ms", ErrInvalid)
	case c.Generator.RatePerSec < 0 || c.Generator.Burst < 0:
		return fmt.Errorf("%w: generator rate limit must not be negative", ErrInvalid)
	case c.Pipeline.MaxAnswerWords < 1 || c.Pipeline.MaxAttempts < 1 || c.Pipeline.Concurrency < 1:
		return fmt.Errorf("%w: pipeline counts must be positive", ErrInvalid)
	case c.Critic.MinTokenLen < 1 || c.Critic.MinHits < 1:
		return fmt.Errorf("%w: critic thresholds must be positive", ErrInvalid)
	}
	return nil
}
