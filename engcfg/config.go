// Package engcfg is the configuration surface for cmd/syncstore-demo
// and its reference adapters. It configures which SoT adapter to wire
// up, how the adapters reach their backing stores, and how the demo
// server logs and reports metrics. It never configures the engine
// packages' own programmatic API (Store, Engine, Compose, paginate.Store
// are all constructed with plain Go structs, not config files), since
// those are libraries meant to be embedded, not daemons reading a file.
package engcfg

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration for the demo binary.
type Config struct {
	// Profile selects which SoT reference adapter backs the demo: Lite
	// (embedded SQLite, single-node) or Standard (Postgres, HA).
	Profile Profile `mapstructure:"profile" validate:"required,oneof=lite standard"`

	Server    ServerConfig    `mapstructure:"server"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	BoltQueue BoltQueueConfig `mapstructure:"bolt_queue"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Store     StoreTuning     `mapstructure:"store"`
	Paginate  PaginateTuning  `mapstructure:"paginate"`
}

// Profile is the closed set of deployment shapes the demo binary can
// run under.
type Profile string

const (
	ProfileLite     Profile = "lite"
	ProfileStandard Profile = "standard"
)

// ServerConfig configures cmd/syncstore-demo/httpapi.
type ServerConfig struct {
	Port                    int           `mapstructure:"port" validate:"min=1,max=65535"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// SQLiteConfig configures sot/sqlitesot, used when Profile is Lite.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures sot/pgsot, used when Profile is Standard.
type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	MaxConnections int32         `mapstructure:"max_connections"`
	MinConnections int32         `mapstructure:"min_connections"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig holds connection settings for normalize/redisbackend. It
// is optional under both profiles; the demo binary does not read it.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BoltQueueConfig configures mutate/boltqueue, the durable offline
// mutation log.
type BoltQueueConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig mirrors telemetry.LogConfig's shape so it can be decoded
// straight from viper and passed through.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds settings for the Prometheus /metrics endpoint. The
// demo router serves /metrics unconditionally and does not read them.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StoreTuning holds read-path tuning for the demo. Only CacheSize is
// wired into store.New (as MemoryCacheSize); FreshnessMaxAge and
// FetchTimeout are not read by the demo.
type StoreTuning struct {
	CacheSize       int           `mapstructure:"cache_size"`
	FreshnessMaxAge time.Duration `mapstructure:"freshness_max_age"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// PaginateTuning holds pagination tuning for the demo. Only PageSize is
// read, as the note list loader's page size; MaxSizeItems is not read,
// and the list handler passes its own fixed paginate.Config.
type PaginateTuning struct {
	PageSize     int `mapstructure:"page_size"`
	MaxSizeItems int `mapstructure:"max_size_items"`
}

var validate = validator.New()

// Load reads configuration from configPath (if non-empty), layers
// environment variables on top (SYNCSTORE_SERVER_PORT etc.), and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("syncstore")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("engcfg: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("engcfg: unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engcfg: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", string(ProfileLite))

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.graceful_shutdown_timeout", "10s")

	v.SetDefault("sqlite.path", "./syncstore.db")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_connections", 10)
	v.SetDefault("postgres.min_connections", 1)
	v.SetDefault("postgres.connect_timeout", "10s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("bolt_queue.path", "./syncstore-offline.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("store.cache_size", 10000)
	v.SetDefault("store.freshness_max_age", "30s")
	v.SetDefault("store.fetch_timeout", "10s")

	v.SetDefault("paginate.page_size", 50)
	v.SetDefault("paginate.max_size_items", 500)
}

// Validate checks structural constraints beyond what the validator
// struct tags express, mirroring the profile cross-field checks the
// teacher's Config.Validate performs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	switch c.Profile {
	case ProfileLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("lite profile requires sqlite.path")
		}
	case ProfileStandard:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("standard profile requires postgres.dsn")
		}
	}
	return nil
}

// UsesRedis reports whether Redis-backed normalization was configured.
func (c *Config) UsesRedis() bool { return c.Redis.Addr != "" }

// IsLite reports whether Profile is Lite.
func (c *Config) IsLite() bool { return c.Profile == ProfileLite }
