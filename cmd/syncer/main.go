package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playerdata/internal/adapter"
	"playerdata/internal/inventory"
	"playerdata/internal/scheduler"
	"playerdata/internal/stats"
	"playerdata/pkg/bus"
	"playerdata/pkg/config"
	"playerdata/pkg/economy"
	"playerdata/pkg/logger"
	"playerdata/pkg/server"
	"playerdata/pkg/store"
	"playerdata/pkg/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Kafka.Validate(); err != nil {
		fmt.Printf("invalid kafka config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		Debug:       cfg.Debug,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	l.Info("syncer service initializing",
		zap.String("env", cfg.Environment),
		zap.String("store", cfg.Store.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize the store
	st, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		Postgres: store.PostgresConfig{
			URI:             cfg.Postgres.URI,
			MinConns:        int32(cfg.Postgres.MinConns),
			MaxConns:        int32(cfg.Postgres.MaxConns),
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		},
		SQLitePath: cfg.SQLite.Path,
	}, l)
	if err != nil {
		l.Error("failed to open store", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Store.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			l.Error("failed to migrate store", err)
			os.Exit(1)
		}
	}

	// 4. Optional economy collaborator
	var eco economy.Economy
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		eco = economy.NewRedisEconomy(client, cfg.Redis.BalancePrefix)
		l.Info("economy collaborator enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// 5. Initialize event transport
	startOffset, err := bus.ParseStartOffset(cfg.Kafka.StartOffset)
	if err != nil {
		l.Error("invalid kafka start offset", err)
		os.Exit(1)
	}
	reader := bus.NewKafkaReader(bus.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		GroupID:     cfg.Kafka.GroupID,
		StartOffset: startOffset,
	})
	defer reader.Close()

	var replies bus.Publisher
	if cfg.Kafka.ReplyTopic != "" {
		w := bus.NewKafkaWriter(bus.WriterConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.ReplyTopic})
		defer w.Close()
		replies = w
	}

	// 6. Initialize worker pool and caches
	pool := worker.NewPool(l, cfg.Sync.WorkerCount, cfg.Sync.QueueSize)
	pool.Start(ctx)

	inv := inventory.NewManager(st, pool, l, inventory.Options{
		MaxStackSize:     cfg.Inventory.MaxStackSize,
		MaxRetryAttempts: cfg.Sync.MaxRetryAttempts,
		RetryDelay:       cfg.Sync.RetryDelay,
		Debounce:         cfg.Sync.DebounceWindow,
		DrainParallelism: cfg.Sync.WorkerCount,
	})
	sts := stats.NewManager(st, pool, l, stats.Options{
		MaxRetryAttempts: cfg.Sync.MaxRetryAttempts,
		RetryDelay:       cfg.Sync.RetryDelay,
		DrainParallelism: cfg.Sync.WorkerCount,
		ForceFlushEvery:  cfg.Stats.ForceFlushEvery,
		Economy:          eco,
	})

	// 7. Create service and scheduler
	svc := adapter.NewService(l, reader, replies, pool, inv, sts, adapter.Options{
		CountSelfInflictedDeaths: cfg.Stats.CountSelfInflictedDeaths,
		SelfInflictedWindow:      cfg.Stats.SelfInflictedWindow,
	})
	sched := scheduler.New(svc, inv, sts, l, scheduler.Options{
		FlushInterval:      cfg.Sync.FlushInterval,
		StatsFlushInterval: cfg.Sync.StatsFlushInterval,
		BatchPercent:       cfg.Sync.BatchPercent,
	})
	go sched.Run(ctx)

	// 8. Start observability server
	obsServer := server.New(cfg.Server.Addr, st, l)
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	// 9. Start service
	l.Info("syncer service starting")
	if err := svc.Start(ctx); err != nil {
		l.Error("syncer service failed", err)
	} else {
		l.Info("syncer service stopping")
	}

	shutdown(pool, svc, cfg.Sync.DrainTimeout, l)

	// Clean up observability server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obsServer.Shutdown(shutdownCtx)
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

// shutdown lets queued loads and deactivations finish, then writes
// everything still pending before the store is released. Each phase gets
// its own timeout so a slow pool cannot starve the drain.
func shutdown(pool, svc stopper, timeout time.Duration, l *logger.Logger) {
	poolCtx, cancelPool := context.WithTimeout(context.Background(), timeout)
	defer cancelPool()
	if err := pool.Shutdown(poolCtx); err != nil {
		l.Warn("worker pool did not finish in time", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()
	if err := svc.Shutdown(drainCtx); err != nil {
		l.Warn("shutdown drain incomplete", zap.Error(err))
	}
}
