package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"playerdata/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single database file. It is meant for
// single-node deployments and tests.
type SQLite struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(ctx context.Context, path string, l *logger.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite has a single writer; more connections only produce SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	l.Info("opened sqlite store", zap.String("path", path))
	return &SQLite{db: db, logger: l, now: time.Now}, nil
}

// Migrate applies the embedded schema
func (s *SQLite) Migrate(ctx context.Context) error {
	ddl, err := schema("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// GetPayload loads the payload row for id
func (s *SQLite) GetPayload(ctx context.Context, id uuid.UUID) (PayloadRecord, bool, error) {
	var rec PayloadRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT inventory, armor FROM player_data_info WHERE uuid = ?`, id.String(),
	).Scan(&rec.Primary, &rec.Secondary)
	if errors.Is(err, sql.ErrNoRows) {
		return PayloadRecord{}, false, nil
	}
	if err != nil {
		return PayloadRecord{}, false, unavailable("get payload", err)
	}
	return rec, true, nil
}

// UpsertPayload replaces the payload row for id
func (s *SQLite) UpsertPayload(ctx context.Context, id uuid.UUID, rec PayloadRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_data_info (uuid, inventory, armor)
		VALUES (?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			inventory = excluded.inventory,
			armor = excluded.armor`,
		id.String(), rec.Primary, rec.Secondary,
	)
	if err != nil {
		return unavailable("upsert payload", err)
	}
	return nil
}

// GetStats loads the stats row for id
func (s *SQLite) GetStats(ctx context.Context, id uuid.UUID) (StatsRecord, bool, error) {
	var (
		rec     StatsRecord
		name    sql.NullString
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, mobs_killed, players_killed, deaths, playtime_hours, balance, last_updated
		FROM player_stats WHERE uuid = ?`, id.String(),
	).Scan(&name, &rec.MobsKilled, &rec.PlayersKilled, &rec.Deaths, &rec.PlaytimeHours, &rec.Balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return StatsRecord{}, false, nil
	}
	if err != nil {
		return StatsRecord{}, false, unavailable("get stats", err)
	}
	rec.DisplayName = name.String
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, true, nil
}

// UpsertStats replaces the stats row for id and stamps last_updated
func (s *SQLite) UpsertStats(ctx context.Context, id uuid.UUID, rec StatsRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_stats (uuid, username, mobs_killed, players_killed, deaths, playtime_hours, balance, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			username = excluded.username,
			mobs_killed = excluded.mobs_killed,
			players_killed = excluded.players_killed,
			deaths = excluded.deaths,
			playtime_hours = excluded.playtime_hours,
			balance = excluded.balance,
			last_updated = excluded.last_updated`,
		id.String(), nullable(rec.DisplayName), rec.MobsKilled, rec.PlayersKilled, rec.Deaths,
		rec.PlaytimeHours, rec.Balance, s.now().Unix(),
	)
	if err != nil {
		return unavailable("upsert stats", err)
	}
	return nil
}

// FindByDisplayName resolves an entity id from its last known display name
func (s *SQLite) FindByDisplayName(ctx context.Context, name string) (uuid.UUID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid FROM player_stats WHERE username = ? COLLATE NOCASE LIMIT 1`, name,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the database
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
