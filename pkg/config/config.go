package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Debug       bool            `mapstructure:"debug"`
	ServiceName string          `mapstructure:"service_name"`
	Store       StoreConfig     `mapstructure:"store"`
	Postgres    PostgresConfig  `mapstructure:"postgres"`
	SQLite      SQLiteConfig    `mapstructure:"sqlite"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Sync        SyncConfig      `mapstructure:"sync"`
	Stats       StatsConfig     `mapstructure:"stats"`
	Inventory   InventoryConfig `mapstructure:"inventory"`
	Server      ServerConfig    `mapstructure:"server"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type PostgresConfig struct {
	URI             string        `mapstructure:"uri"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	GroupID    string   `mapstructure:"group_id"`
	ReplyTopic string   `mapstructure:"reply_topic"`
	// StartOffset is "first" or "last", used when the group has no
	// committed offset yet
	StartOffset string `mapstructure:"start_offset"`
}

// RedisConfig configures the optional economy collaborator. An empty Addr
// disables it.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	BalancePrefix string `mapstructure:"balance_prefix"`
}

// SyncConfig is the write-back tuning surface
type SyncConfig struct {
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	BatchPercent       int           `mapstructure:"batch_percent"`
	StatsFlushInterval time.Duration `mapstructure:"stats_flush_interval"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	DebounceWindow     time.Duration `mapstructure:"debounce_window"`
	WorkerCount        int           `mapstructure:"worker_count"`
	QueueSize          int           `mapstructure:"queue_size"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

type StatsConfig struct {
	ForceFlushEvery          int           `mapstructure:"force_flush_every"`
	CountSelfInflictedDeaths bool          `mapstructure:"count_self_inflicted_deaths"`
	SelfInflictedWindow      time.Duration `mapstructure:"self_inflicted_window"`
}

type InventoryConfig struct {
	MaxStackSize int `mapstructure:"max_stack_size"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from defaults, an optional file and environment variables
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("service_name", "playerdata")
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("postgres.uri", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("sqlite.path", "playerdata.db")
	v.SetDefault("kafka.topic", "player-events")
	v.SetDefault("kafka.group_id", "playerdata")
	v.SetDefault("kafka.reply_topic", "")
	v.SetDefault("kafka.start_offset", "first")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.balance_prefix", "balance:")
	v.SetDefault("sync.flush_interval", 60*time.Second)
	v.SetDefault("sync.batch_percent", 20)
	v.SetDefault("sync.stats_flush_interval", 5*time.Minute)
	v.SetDefault("sync.max_retry_attempts", 3)
	v.SetDefault("sync.retry_delay", 1*time.Second)
	v.SetDefault("sync.debounce_window", 1*time.Second)
	v.SetDefault("sync.worker_count", 8)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("sync.drain_timeout", 30*time.Second)
	v.SetDefault("stats.force_flush_every", 10)
	v.SetDefault("stats.count_self_inflicted_deaths", true)
	v.SetDefault("stats.self_inflicted_window", 10*time.Second)
	v.SetDefault("inventory.max_stack_size", 64)
	v.SetDefault("server.addr", ":8081")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// AutomaticEnv only applies to keys viper already knows about; bind the
	// ones without defaults explicitly so Unmarshal sees them.
	for _, key := range []string{
		"kafka.brokers",
		"postgres.uri",
		"redis.password",
	} {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, err
		}
	}

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Brokers from env arrive as a single comma separated string
	brokers := v.GetString("kafka.brokers")
	if brokers != "" && len(config.Kafka.Brokers) == 0 {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Postgres.URI == "" {
			return errors.New("postgres.uri is required")
		}
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	return c.Sync.Validate()
}

// Validate checks the write-back tuning values
func (s SyncConfig) Validate() error {
	if s.BatchPercent < 1 || s.BatchPercent > 100 {
		return errors.New("sync.batch_percent must be within 1..100")
	}
	if s.MaxRetryAttempts < 1 {
		return errors.New("sync.max_retry_attempts must be at least 1")
	}
	if s.FlushInterval <= 0 || s.StatsFlushInterval <= 0 {
		return errors.New("sync flush intervals must be positive")
	}
	if s.RetryDelay < 0 || s.DebounceWindow < 0 {
		return errors.New("sync.retry_delay and sync.debounce_window must not be negative")
	}
	if s.WorkerCount < 1 {
		return errors.New("sync.worker_count must be at least 1")
	}
	return nil
}

// Validate checks the settings needed by binaries that talk to Kafka
func (k KafkaConfig) Validate() error {
	if len(k.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if k.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	switch k.StartOffset {
	case "", "first", "last":
	default:
		return fmt.Errorf("kafka.start_offset must be first or last, got %q", k.StartOffset)
	}
	return nil
}
