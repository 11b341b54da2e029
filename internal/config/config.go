package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	AgentModel     string  `yaml:"agent_model" mapstructure:"agent_model"`
	NormalizeModel string  `yaml:"normalize_model" mapstructure:"normalize_model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Google GenAI settings for the alternate normalizer.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ResearchConfig configures the agent loop.
type ResearchConfig struct {
	MaxIterations    int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	Normalizer       string  `yaml:"normalizer" mapstructure:"normalizer"`
	SearchRetries    int     `yaml:"search_retries" mapstructure:"search_retries"`
	SearchRatePerSec float64 `yaml:"search_rate_per_sec" mapstructure:"search_rate_per_sec"`
}

// WorkerConfig configures the research scheduler and dispatcher.
type WorkerConfig struct {
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	BatchSize  int           `yaml:"batch_size" mapstructure:"batch_size"`
	SkipIfBusy bool          `yaml:"skip_if_busy" mapstructure:"skip_if_busy"`
	AgentTypes []string      `yaml:"agent_types" mapstructure:"agent_types"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml from the working directory when present, then
// RESEARCH_* environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. A named file that cannot be
// read is an error; the default config.yaml is optional.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"store.driver":                 "postgres",
		"store.max_conns":              10,
		"store.min_conns":              2,
		"log.level":                    "info",
		"log.format":                   "json",
		"server.port":                  8080,
		"server.allowed_origins":       []string{"*"},
		"anthropic.agent_model":        "claude-opus-4-1-20250805",
		"anthropic.normalize_model":    "claude-sonnet-4-5-20250929",
		"anthropic.max_tokens":         1400,
		"anthropic.temperature":        0.2,
		"perplexity.base_url":          "https://api.perplexity.ai",
		"perplexity.model":             "sonar",
		"gemini.model":                 "gemini-2.5-flash",
		"research.max_iterations":      20,
		"research.normalizer":          "anthropic",
		"research.search_retries":      1,
		"research.search_rate_per_sec": 2.0,
		"worker.interval":              45 * time.Second,
		"worker.batch_size":            5,
		"worker.skip_if_busy":          false,
		"worker.agent_types":           []string{"RESEARCHER", "LEAD_PROCESSOR"},
		"pricing.perplexity.per_query": 0.005,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate checks the settings a command needs before it starts. API keys
// are not checked here; a missing key fails the first research attempt that
// needs it.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "worker", "serve", "research", "migrate", "seed", "requeue":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "worker" || mode == "serve" || mode == "research" {
		if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 50 {
			problems = append(problems, "worker.batch_size must be between 1 and 50")
		}
		if c.Worker.Interval <= 0 {
			problems = append(problems, "worker.interval must be > 0")
		}
		if c.Research.MaxIterations < 1 {
			problems = append(problems, "research.max_iterations must be >= 1")
		}
		switch c.Research.Normalizer {
		case "anthropic", "gemini":
		default:
			problems = append(problems, fmt.Sprintf("research.normalizer %q is not supported", c.Research.Normalizer))
		}
		if c.Research.SearchRetries < 0 {
			problems = append(problems, "research.search_retries must be >= 0")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
