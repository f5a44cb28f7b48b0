// Package config loads runtime configuration for eventfold
// applications from a YAML file and EVENTFOLD_* environment variables.
// Programmatic embedders configure the runtime directly through
// sourcing.Options; this package serves binaries like cmd/bankdemo.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	EventStore EventStoreConfig `mapstructure:"event_store"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

// AppConfig names the application; the name prefixes every stream id
// the application writes.
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// EventStoreConfig selects and configures the storage backend.
type EventStoreConfig struct {
	// Type is the backend: "redis", "sqlite", "nats" or "memory".
	Type string `mapstructure:"type"`

	// Spec is the backend connection string: redis:// or nats:// URL,
	// or a SQLite DSN. Empty uses the backend default.
	Spec string `mapstructure:"spec"`

	// Pool bounds backend concurrency. Zero keeps the backend default.
	Pool int `mapstructure:"pool"`

	// UsernameEnv and PasswordEnv name environment variables holding
	// backend credentials, resolved at connect time so rotations are
	// picked up. Empty disables credential wiring.
	UsernameEnv string `mapstructure:"username_env"`
	PasswordEnv string `mapstructure:"password_env"`
}

// TelemetryConfig controls the OpenTelemetry stack.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file, falling back to an
// eventfold.yaml found on the default search path when path is empty.
// Environment variables prefixed EVENTFOLD_ override file values
// (EVENTFOLD_EVENT_STORE_TYPE, EVENTFOLD_APP_NAME, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eventfold")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/eventfold")
	}

	setDefaults(v)

	v.SetEnvPrefix("EVENTFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file on the search path is fine: defaults plus
		// environment carry a full configuration. An explicit path
		// that cannot be read is not.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "eventfold")

	v.SetDefault("event_store.type", "memory")
	v.SetDefault("event_store.spec", "")
	v.SetDefault("event_store.pool", 0)
	v.SetDefault("event_store.username_env", "")
	v.SetDefault("event_store.password_env", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.environment", "dev")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

var storeTypes = map[string]bool{
	"redis":  true,
	"sqlite": true,
	"nats":   true,
	"memory": true,
}

// Validate checks field values and cross-field consistency.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if !storeTypes[c.EventStore.Type] {
		return fmt.Errorf("event_store.type %q is not one of redis, sqlite, nats, memory", c.EventStore.Type)
	}
	if c.EventStore.Pool < 0 {
		return fmt.Errorf("event_store.pool must not be negative")
	}

	// URL-shaped backends get their spec checked up front; a sqlite
	// DSN is a file path and stays opaque.
	switch c.EventStore.Type {
	case "redis", "nats":
		if spec := c.EventStore.Spec; spec != "" && !govalidator.IsRequestURL(spec) {
			return fmt.Errorf("event_store.spec %q is not a valid %s URL", spec, c.EventStore.Type)
		}
	}

	if rate := c.Telemetry.SampleRate; rate < 0 || rate > 1 {
		return fmt.Errorf("telemetry.sample_rate %v is outside [0, 1]", rate)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Level)
	}
}
