// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Dispatch  DispatchConfig  `yaml:"dispatch" mapstructure:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds extraction provider settings.
type AnthropicConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	Model         string  `yaml:"model" mapstructure:"model"`
	ClassifyModel string  `yaml:"classify_model" mapstructure:"classify_model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// DispatchConfig configures the document worker pool.
type DispatchConfig struct {
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	TaskTimeoutSecs int           `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
}

// ReconcileConfig holds the conflict and clarification policy constants.
// These are observed heuristics, not contracts, so they live in config.
type ReconcileConfig struct {
	// VarianceFloor is the relative difference below which two numeric
	// values are treated as agreeing (e.g. 0.05 = 5%).
	VarianceFloor float64 `yaml:"variance_floor" mapstructure:"variance_floor"`

	// Severity bands as variance fractions: low < Medium <= variance < High
	// is medium, and so on. Variance >= Critical is critical.
	MediumBand   float64 `yaml:"medium_band" mapstructure:"medium_band"`
	HighBand     float64 `yaml:"high_band" mapstructure:"high_band"`
	CriticalBand float64 `yaml:"critical_band" mapstructure:"critical_band"`

	// ConfidenceMargin is the minimum confidence gap for auto-resolving a
	// conflict in favor of the higher-confidence value.
	ConfidenceMargin float64 `yaml:"confidence_margin" mapstructure:"confidence_margin"`

	// LowConfidence is the cutoff below which an uncorroborated accepted
	// value generates a clarification.
	LowConfidence float64 `yaml:"low_confidence" mapstructure:"low_confidence"`

	// NameMatchThreshold is the minimum token-overlap score for fuzzy
	// facility name matching.
	NameMatchThreshold float64 `yaml:"name_match_threshold" mapstructure:"name_match_threshold"`
}

// SessionConfig configures the session registry lifecycle.
type SessionConfig struct {
	RetentionHours  int `yaml:"retention_hours" mapstructure:"retention_hours"`
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SNFALYZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "snfalyze.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.classify_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rate_per_second", 2.0)
	v.SetDefault("anthropic.rate_burst", 4)
	v.SetDefault("dispatch.workers", 6)
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.task_timeout_secs", 120)
	v.SetDefault("dispatch.initial_backoff", "1s")
	v.SetDefault("reconcile.variance_floor", 0.05)
	v.SetDefault("reconcile.medium_band", 0.15)
	v.SetDefault("reconcile.high_band", 0.30)
	v.SetDefault("reconcile.critical_band", 0.50)
	v.SetDefault("reconcile.confidence_margin", 0.2)
	v.SetDefault("reconcile.low_confidence", 0.6)
	v.SetDefault("reconcile.name_match_threshold", 0.6)
	v.SetDefault("session.retention_hours", 24)
	v.SetDefault("session.event_buffer_size", 64)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
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
