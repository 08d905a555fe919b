package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AppConfig {
	return AppConfig{
		ServiceName: "playerdata",
		Store:       StoreConfig{Driver: DriverSQLite},
		SQLite:      SQLiteConfig{Path: "test.db"},
		Sync: SyncConfig{
			FlushInterval:      time.Minute,
			BatchPercent:       20,
			StatsFlushInterval: 5 * time.Minute,
			MaxRetryAttempts:   3,
			RetryDelay:         time.Second,
			DebounceWindow:     time.Second,
			WorkerCount:        4,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("batch percent within 1..100 passes validation", prop.ForAll(
		func(pct int) bool {
			cfg := validConfig()
			cfg.Sync.BatchPercent = pct
			return cfg.Validate() == nil
		},
		gen.IntRange(1, 100),
	))

	properties.Property("batch percent outside 1..100 fails validation", prop.ForAll(
		func(pct int) bool {
			cfg := validConfig()
			cfg.Sync.BatchPercent = pct
			return cfg.Validate() != nil
		},
		gen.OneGenOf(gen.IntRange(-100, 0), gen.IntRange(101, 1000)),
	))

	properties.Property("retry attempts below one fail validation", prop.ForAll(
		func(attempts int) bool {
			cfg := validConfig()
			cfg.Sync.MaxRetryAttempts = attempts
			return cfg.Validate() != nil
		},
		gen.IntRange(-10, 0),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Store.Driver = DriverPostgres
	assert.EqualError(t, cfg.Validate(), "postgres.uri is required")

	cfg.Postgres.URI = "postgres://localhost:5432/playerdata"
	assert.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestKafkaValidate(t *testing.T) {
	assert.Error(t, KafkaConfig{Topic: "player-events"}.Validate())
	assert.Error(t, KafkaConfig{Brokers: []string{"localhost:9092"}}.Validate())
	assert.NoError(t, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "player-events"}.Validate())
	assert.NoError(t, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "player-events", StartOffset: "last"}.Validate())
	assert.Error(t, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "player-events", StartOffset: "newest"}.Validate())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "playerdata", cfg.ServiceName)
	assert.Equal(t, 60*time.Second, cfg.Sync.FlushInterval)
	assert.Equal(t, 20, cfg.Sync.BatchPercent)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StatsFlushInterval)
	assert.Equal(t, 3, cfg.Sync.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, time.Second, cfg.Sync.DebounceWindow)
	assert.Equal(t, 10, cfg.Stats.ForceFlushEvery)
	assert.True(t, cfg.Stats.CountSelfInflictedDeaths)
	assert.Equal(t, 64, cfg.Inventory.MaxStackSize)
	assert.False(t, cfg.Debug)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_URI", "postgres://localhost:5432/playerdata")
	t.Setenv("KAFKA_BROKERS", "localhost:9092,localhost:9093")
	t.Setenv("SYNC_BATCH_PERCENT", "50")
	t.Setenv("SYNC_RETRY_DELAY", "250ms")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost:5432/playerdata", cfg.Postgres.URI)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Sync.BatchPercent)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.RetryDelay)
	assert.True(t, cfg.Debug)

	t.Setenv("SYNC_BATCH_PERCENT", "0")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerdata.yaml")
	content := []byte(`
store:
  driver: sqlite
sqlite:
  path: /var/lib/playerdata/data.db
sync:
  flush_interval: 30s
  batch_percent: 25
stats:
  count_self_inflicted_deaths: false
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/playerdata/data.db", cfg.SQLite.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.FlushInterval)
	assert.Equal(t, 25, cfg.Sync.BatchPercent)
	assert.False(t, cfg.Stats.CountSelfInflictedDeaths)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
