package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/pkg/schema"
)

// Config holds all eventflow configuration.
// Priority: flags > EVENTFLOW_* env vars > settings file > defaults.
type Config struct {
	DBPath             string        `mapstructure:"db_path"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	PoolSize           int           `mapstructure:"pool_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryBackoff       string        `mapstructure:"retry_backoff"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout"`
	Retention          time.Duration `mapstructure:"retention"`
	HousekeepingCron   string        `mapstructure:"housekeeping_cron"`
	LearnFields        bool          `mapstructure:"learn_fields"`
	DefinitionCacheTTL time.Duration `mapstructure:"definition_cache_ttl"`
	WebhookTimeout     time.Duration `mapstructure:"webhook_timeout"`
	ImmediateDispatch  bool          `mapstructure:"immediate_dispatch"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

func eventflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eventflow"
	}
	return filepath.Join(home, ".eventflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(eventflowDir(), "eventflow.db"))
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("poll_interval", engine.DefaultPollInterval)
	v.SetDefault("batch_size", engine.DefaultBatchSize)
	v.SetDefault("max_attempts", engine.DefaultMaxAttempts)
	v.SetDefault("retry_backoff", "exponential")
	v.SetDefault("retry_delay", 5*time.Second)
	v.SetDefault("retry_max_delay", 10*time.Minute)
	v.SetDefault("lease_timeout", 5*time.Minute)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("housekeeping_cron", "*/5 * * * *")
	v.SetDefault("learn_fields", true)
	v.SetDefault("definition_cache_ttl", time.Minute)
	v.SetDefault("webhook_timeout", 30*time.Second)
	v.SetDefault("immediate_dispatch", false)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_cooldown", 30*time.Second)
}

// setupFlags registers the persistent flags shared by every command.
func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config-file", "", "path to a settings file (yaml, json or toml)")
	f.String("db-path", "", "libSQL database file")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: text or json")
}

// setupServeFlags registers flags only the long-running commands use.
func setupServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("listen-addr", "", "HTTP listen address")
	f.Int("pool-size", 0, "concurrent executions per worker")
	f.Duration("poll-interval", 0, "how often the worker looks for due executions")
	f.Bool("immediate-dispatch", false, "run executions inside the ingesting request")
}

// loadConfig layers defaults, the settings file, environment and flags.
func loadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EVENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile, _ := cmd.Flags().GetString("config-file")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(eventflowDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// it's ok if the default settings file doesn't exist
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read settings: %w", err)
		}
	}

	// Flags are bound only when set so they do not shadow env or file values.
	for key, flag := range map[string]string{
		"db_path":            "db-path",
		"log_level":          "log-level",
		"log_format":         "log-format",
		"listen_addr":        "listen-addr",
		"pool_size":          "pool-size",
		"poll_interval":      "poll-interval",
		"immediate_dispatch": "immediate-dispatch",
	} {
		if fl := cmd.Flags().Lookup(flag); fl != nil && fl.Changed {
			if err := v.BindPFlag(key, fl); err != nil {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "db_path is required")
	}
	if c.PoolSize < 0 || c.BatchSize < 0 {
		return schema.NewError(schema.ErrCodeValidation, "pool_size and batch_size must not be negative")
	}
	return engine.ValidateRetryPolicy(c.RetryPolicy())
}

// RetryPolicy builds the engine retry policy from the retry_* keys.
func (c Config) RetryPolicy() schema.RetryPolicy {
	return schema.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     c.RetryBackoff,
		Delay:       c.RetryDelay.String(),
		MaxDelay:    c.RetryMaxDelay.String(),
	}
}

// dsn turns a plain path into the file URI libSQL expects.
func (c Config) dsn() string {
	if isURI(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
