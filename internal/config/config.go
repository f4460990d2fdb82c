package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Conditions ConditionsConfig `yaml:"conditions" mapstructure:"conditions"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BatchConfig configures the monthly batch run.
type BatchConfig struct {
	ChunkSize   int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	SkipFailed  bool   `yaml:"skip_failed" mapstructure:"skip_failed"`
	Delimiter   string `yaml:"delimiter" mapstructure:"delimiter"`
}

// ConditionsConfig selects where stage conditions are read from.
type ConditionsConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
	File   string `yaml:"file" mapstructure:"file"`
}

// RetryConfig configures retry of transient database failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Supported store drivers and condition sources.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SourceStore = "store"
	SourceFile  = "file"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("batch.chunk_size", 200)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.skip_failed", false)
	v.SetDefault("batch.delimiter", ",")
	v.SetDefault("conditions.source", SourceStore)
	v.SetDefault("conditions.file", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
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

// Validate checks the settings needed by every command. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for sqlite")
	}
	if c.Store.MinConns > c.Store.MaxConns && c.Store.MaxConns > 0 {
		errs = append(errs, "store.min_conns must not exceed store.max_conns")
	}

	if c.Batch.ChunkSize <= 0 {
		errs = append(errs, "batch.chunk_size must be > 0")
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, "batch.concurrency must be > 0")
	}
	if len([]rune(c.Batch.Delimiter)) > 1 {
		errs = append(errs, fmt.Sprintf("batch.delimiter %q must be a single character", c.Batch.Delimiter))
	}

	switch c.Conditions.Source {
	case SourceStore:
	case SourceFile:
		if c.Conditions.File == "" {
			errs = append(errs, "conditions.file is required when conditions.source is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("conditions.source %q is not one of store, file", c.Conditions.Source))
	}

	if c.Retry.MaxAttempts < 0 || c.Retry.InitialBackoffMs < 0 || c.Retry.MaxBackoffMs < 0 {
		errs = append(errs, "retry values must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DelimiterRune returns the snapshot column separator, ',' when unset.
func (b BatchConfig) DelimiterRune() rune {
	r := []rune(b.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
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
