package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playerdata/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres implements Store using pgxpool
type Postgres struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URI             string
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgres creates a pooled Postgres store and verifies the connection
func NewPostgres(ctx context.Context, cfg PostgresConfig, l *logger.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l.Info("connected to postgres",
		zap.Int32("min_conns", poolCfg.MinConns),
		zap.Int32("max_conns", poolCfg.MaxConns))

	return &Postgres{pool: pool, logger: l}, nil
}

// Migrate applies the embedded schema
func (s *Postgres) Migrate(ctx context.Context) error {
	ddl, err := schema("postgres")
	if err != nil {
		return err
	}
	// No arguments, so pgx uses the simple protocol and accepts several statements
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return unavailable("migrate", err)
	}
	s.logger.Info("postgres schema applied")
	return nil
}

// GetPayload loads the payload row for id
func (s *Postgres) GetPayload(ctx context.Context, id uuid.UUID) (PayloadRecord, bool, error) {
	const query = `SELECT inventory, armor FROM player_data_info WHERE uuid = $1`

	var rec PayloadRecord
	err := s.pool.QueryRow(ctx, query, id.String()).Scan(&rec.Primary, &rec.Secondary)
	if errors.Is(err, pgx.ErrNoRows) {
		return PayloadRecord{}, false, nil
	}
	if err != nil {
		return PayloadRecord{}, false, unavailable("get payload", err)
	}
	return rec, true, nil
}

// UpsertPayload replaces the payload row for id
func (s *Postgres) UpsertPayload(ctx context.Context, id uuid.UUID, rec PayloadRecord) error {
	const query = `
		INSERT INTO player_data_info (uuid, inventory, armor)
		VALUES ($1, $2, $3)
		ON CONFLICT (uuid) DO UPDATE SET
			inventory = EXCLUDED.inventory,
			armor = EXCLUDED.armor
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	if err := s.pool.QueryRow(ctx, query, id.String(), rec.Primary, rec.Secondary).Scan(&inserted); err != nil {
		return unavailable("upsert payload", err)
	}

	s.logger.Debug("payload upsert complete", zap.String("entity_id", id.String()), zap.String("status", upsertStatus(inserted)))
	return nil
}

// GetStats loads the stats row for id
func (s *Postgres) GetStats(ctx context.Context, id uuid.UUID) (StatsRecord, bool, error) {
	const query = `
		SELECT username, mobs_killed, players_killed, deaths, playtime_hours, balance, last_updated
		FROM player_stats WHERE uuid = $1
	`
	var (
		rec  StatsRecord
		name *string
	)
	err := s.pool.QueryRow(ctx, query, id.String()).Scan(
		&name, &rec.MobsKilled, &rec.PlayersKilled, &rec.Deaths, &rec.PlaytimeHours, &rec.Balance, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatsRecord{}, false, nil
	}
	if err != nil {
		return StatsRecord{}, false, unavailable("get stats", err)
	}
	rec.DisplayName = deref(name)
	return rec, true, nil
}

// UpsertStats replaces the stats row for id and stamps last_updated
func (s *Postgres) UpsertStats(ctx context.Context, id uuid.UUID, rec StatsRecord) error {
	const query = `
		INSERT INTO player_stats (uuid, username, mobs_killed, players_killed, deaths, playtime_hours, balance, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (uuid) DO UPDATE SET
			username = EXCLUDED.username,
			mobs_killed = EXCLUDED.mobs_killed,
			players_killed = EXCLUDED.players_killed,
			deaths = EXCLUDED.deaths,
			playtime_hours = EXCLUDED.playtime_hours,
			balance = EXCLUDED.balance,
			last_updated = EXCLUDED.last_updated
		RETURNING (xmax = 0) AS inserted
	`
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		id.String(), nullable(rec.DisplayName), rec.MobsKilled, rec.PlayersKilled, rec.Deaths, rec.PlaytimeHours, rec.Balance,
	).Scan(&inserted)
	if err != nil {
		return unavailable("upsert stats", err)
	}

	s.logger.Debug("stats upsert complete", zap.String("entity_id", id.String()), zap.String("status", upsertStatus(inserted)))
	return nil
}

// FindByDisplayName resolves an entity id from its last known display name
func (s *Postgres) FindByDisplayName(ctx context.Context, name string) (uuid.UUID, bool, error) {
	const query = `SELECT uuid FROM player_stats WHERE LOWER(username) = LOWER($1) LIMIT 1`

	var raw string
	err := s.pool.QueryRow(ctx, query, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, unavailable("find by display name", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("stored uuid %q is malformed: %w", raw, err)
	}
	return id, true, nil
}

// Ping checks connectivity
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the pool
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func upsertStatus(inserted bool) string {
	if inserted {
		return "inserted"
	}
	return "updated"
}
