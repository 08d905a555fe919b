package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"playerdata/pkg/logger"

	"github.com/google/uuid"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrUnavailable wraps every connectivity or query failure. Callers decide
// whether to retry; the store itself never does.
var ErrUnavailable = errors.New("store unavailable")

// PayloadRecord is one row of the payload table. A nil field is absent,
// which is different from an explicitly empty payload.
type PayloadRecord struct {
	Primary   *string
	Secondary *string
}

// Empty reports whether both payload fields are absent
func (r PayloadRecord) Empty() bool {
	return r.Primary == nil && r.Secondary == nil
}

// StatsRecord is one row of the stats table
type StatsRecord struct {
	DisplayName   string
	MobsKilled    int64
	PlayersKilled int64
	Deaths        int64
	PlaytimeHours float64
	Balance       float64
	UpdatedAt     time.Time
}

// PayloadStore is the point lookup / upsert contract for payload rows
type PayloadStore interface {
	// GetPayload returns found=false when no row exists
	GetPayload(ctx context.Context, id uuid.UUID) (PayloadRecord, bool, error)

	// UpsertPayload fully replaces the row for id
	UpsertPayload(ctx context.Context, id uuid.UUID, rec PayloadRecord) error
}

// StatsStore is the point lookup / upsert contract for stats rows
type StatsStore interface {
	GetStats(ctx context.Context, id uuid.UUID) (StatsRecord, bool, error)
	UpsertStats(ctx context.Context, id uuid.UUID, rec StatsRecord) error

	// FindByDisplayName matches the advisory display name case-insensitively
	FindByDisplayName(ctx context.Context, name string) (uuid.UUID, bool, error)
}

// Store is a full relational backend
type Store interface {
	PayloadStore
	StatsStore

	// Migrate applies the embedded schema. Safe to call repeatedly.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Driver     string // "postgres" or "sqlite"
	Postgres   PostgresConfig
	SQLitePath string
}

// Open connects to the configured backend
func Open(ctx context.Context, opts Options, l *logger.Logger) (Store, error) {
	switch opts.Driver {
	case "postgres":
		return NewPostgres(ctx, opts.Postgres, l)
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath, l)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func schema(driver string) (string, error) {
	data, err := schemaFS.ReadFile("schema/" + driver + ".sql")
	if err != nil {
		return "", fmt.Errorf("failed to read %s schema: %w", driver, err)
	}
	return string(data), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
