// Package stats keeps per-entity counters, playtime and balance, and saves
// them through the write-back cache.
package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"playerdata/internal/writeback"
	"playerdata/pkg/economy"
	"playerdata/pkg/logger"
	"playerdata/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheName labels stats logs and metrics
const CacheName = "stats"

// Options configures a Manager
type Options struct {
	MaxRetryAttempts int
	RetryDelay       time.Duration
	DrainParallelism int
	// ForceFlushEvery flushes after every Nth mob kill of an entity
	ForceFlushEvery int
	// Economy is optional
	Economy economy.Economy
	Clock   func() time.Time
}

// Manager is the stats aggregator
type Manager struct {
	cache      *writeback.Cache[store.StatsRecord]
	store      store.StatsStore
	economy    economy.Economy
	logger     *logger.Logger
	now        func() time.Time
	forceEvery int

	mu       sync.Mutex
	sessions map[uuid.UUID]time.Time
}

// NewManager creates a new Manager instance
func NewManager(ss store.StatsStore, exec writeback.Executor, l *logger.Logger, opts Options) *Manager {
	m := &Manager{
		store:      ss,
		economy:    opts.Economy,
		logger:     l.Named(CacheName),
		now:        opts.Clock,
		forceEvery: opts.ForceFlushEvery,
		sessions:   make(map[uuid.UUID]time.Time),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.forceEvery < 1 {
		m.forceEvery = 10
	}

	// Stats are flushed by the scheduler, by the force-flush policy and on
	// deactivation, so no debounce timer is armed
	m.cache = writeback.New[store.StatsRecord](statsStore{ss}, exec, l, writeback.Options[store.StatsRecord]{
		Name:             CacheName,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		RetryDelay:       opts.RetryDelay,
		DrainParallelism: opts.DrainParallelism,
		BeforeSave:       m.refreshBalance,
	})
	return m
}

// Load brings the stats of id into memory. The display name from the
// activation replaces the stored one, and the balance is refreshed when an
// economy is configured.
func (m *Manager) Load(ctx context.Context, id uuid.UUID, displayName string) (store.StatsRecord, bool, error) {
	rec, recovered, err := m.cache.Load(ctx, id)
	if err != nil {
		return store.StatsRecord{}, false, err
	}

	refreshed := m.refreshBalance(ctx, id, rec)
	if displayName != "" {
		refreshed.DisplayName = displayName
	}
	if refreshed.DisplayName != rec.DisplayName || refreshed.Balance != rec.Balance {
		updated, ok := m.cache.Update(id, func(r *store.StatsRecord) {
			r.DisplayName = refreshed.DisplayName
			r.Balance = refreshed.Balance
		})
		if ok {
			rec = updated
		}
	}
	return rec, recovered, nil
}

// StartTracking opens a session for id. An already open session is replaced
// and its unaccounted time is lost.
func (m *Manager) StartTracking(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if started, open := m.sessions[id]; open {
		m.logger.Warn("session already open, restarting it",
			zap.String("entity_id", id.String()),
			zap.Duration("lost", m.now().Sub(started)))
	}
	m.sessions[id] = m.now()
}

// StopTracking closes the session of id and adds its length to the stored
// playtime. Without an open session it does nothing.
func (m *Manager) StopTracking(id uuid.UUID) {
	m.mu.Lock()
	started, open := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !open {
		return
	}

	elapsed := m.now().Sub(started).Hours()
	if elapsed < 0 {
		elapsed = 0
	}
	if _, ok := m.cache.Update(id, func(r *store.StatsRecord) { r.PlaytimeHours += elapsed }); !ok {
		m.logger.Warn("session closed for unloaded entity, playtime dropped",
			zap.String("entity_id", id.String()),
			zap.Float64("hours", elapsed))
	}
}

// Tracking reports whether id has an open session
func (m *Manager) Tracking(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, open := m.sessions[id]
	return open
}

// CurrentPlaytime is the stored playtime plus the open session, in hours
func (m *Manager) CurrentPlaytime(id uuid.UUID) (float64, bool) {
	rec, ok := m.cache.Get(id)
	if !ok {
		return 0, false
	}

	m.mu.Lock()
	started, open := m.sessions[id]
	m.mu.Unlock()

	hours := rec.PlaytimeHours
	if open {
		if elapsed := m.now().Sub(started).Hours(); elapsed > 0 {
			hours += elapsed
		}
	}
	return hours, true
}

// IncrementMobKills counts a mob kill. The record is flushed right away
// whenever the lifetime total reaches a multiple of ForceFlushEvery.
func (m *Manager) IncrementMobKills(id uuid.UUID) bool {
	updated, ok := m.cache.Update(id, func(r *store.StatsRecord) { r.MobsKilled++ })
	if !ok {
		return false
	}
	if updated.MobsKilled%int64(m.forceEvery) == 0 {
		m.cache.RequestFlush(id)
	}
	return true
}

// IncrementPlayerKills counts a player kill and flushes the killer
func (m *Manager) IncrementPlayerKills(id uuid.UUID) bool {
	if _, ok := m.cache.Update(id, func(r *store.StatsRecord) { r.PlayersKilled++ }); !ok {
		return false
	}
	m.cache.RequestFlush(id)
	return true
}

// IncrementDeaths counts a death and flushes the victim
func (m *Manager) IncrementDeaths(id uuid.UUID) bool {
	if _, ok := m.cache.Update(id, func(r *store.StatsRecord) { r.Deaths++ }); !ok {
		return false
	}
	m.cache.RequestFlush(id)
	return true
}

// Get returns the live stats of id
func (m *Manager) Get(id uuid.UUID) (store.StatsRecord, bool) {
	return m.cache.Get(id)
}

// Lookup returns the live stats of id, or the stored row without loading it
func (m *Manager) Lookup(ctx context.Context, id uuid.UUID) (store.StatsRecord, bool, error) {
	if rec, ok := m.cache.Get(id); ok {
		return rec, true, nil
	}
	return m.store.GetStats(ctx, id)
}

// FindByDisplayName resolves a display name, ignoring case
func (m *Manager) FindByDisplayName(ctx context.Context, name string) (uuid.UUID, bool, error) {
	return m.store.FindByDisplayName(ctx, name)
}

// RequestFlush saves id in the background. With an economy configured the
// balance is checked first, so a moved balance is saved even when no
// counter changed.
func (m *Manager) RequestFlush(id uuid.UUID) {
	if m.economy == nil {
		m.cache.RequestFlush(id)
		return
	}
	m.cache.RequestFlushAfter(id, func(ctx context.Context) { m.SyncBalance(ctx, id) })
}

// SyncBalance copies the economy balance of a loaded entity into its live
// record and marks it dirty when the value moved. It reports whether it did.
func (m *Manager) SyncBalance(ctx context.Context, id uuid.UUID) bool {
	rec, ok := m.cache.Get(id)
	if !ok {
		return false
	}
	refreshed := m.refreshBalance(ctx, id, rec)
	if refreshed.Balance == rec.Balance {
		return false
	}
	_, ok = m.cache.Update(id, func(r *store.StatsRecord) { r.Balance = refreshed.Balance })
	return ok
}

// Deactivate saves id one last time and drops it from memory
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) error {
	syncErr := m.cache.Sync(ctx, id)
	if syncErr != nil {
		m.logger.Warn("final save failed", zap.String("entity_id", id.String()), zap.String("op", "deactivate"), zap.Error(syncErr))
	}
	return errors.Join(syncErr, m.cache.Evict(ctx, id))
}

// Drain saves every pending stats record
func (m *Manager) Drain(ctx context.Context) error {
	return m.cache.Drain(ctx)
}

// DiscardPending drops a retained unsaved record of id
func (m *Manager) DiscardPending(id uuid.UUID) bool {
	return m.cache.DiscardPending(id)
}

// State reports where id is in the write-back lifecycle
func (m *Manager) State(id uuid.UUID) writeback.State {
	return m.cache.State(id)
}

// Loaded lists the entities held in memory, sorted
func (m *Manager) Loaded() []uuid.UUID {
	return m.cache.Loaded()
}

// refreshBalance takes the balance from the economy when there is one. The
// stored value is kept when the economy has no account or is unreachable.
func (m *Manager) refreshBalance(ctx context.Context, id uuid.UUID, rec store.StatsRecord) store.StatsRecord {
	if m.economy == nil {
		return rec
	}

	balance, err := m.economy.Balance(ctx, id)
	switch {
	case errors.Is(err, economy.ErrNoAccount):
		return rec
	case err != nil:
		m.logger.Warn("balance refresh failed, keeping stored value",
			zap.String("entity_id", id.String()),
			zap.Error(err))
		return rec
	}
	rec.Balance = balance
	return rec
}

// KDRatio is kills over deaths, with zero deaths counting as one
func KDRatio(rec store.StatsRecord) float64 {
	deaths := rec.Deaths
	if deaths == 0 {
		deaths = 1
	}
	return float64(rec.PlayersKilled) / float64(deaths)
}

type statsStore struct {
	s store.StatsStore
}

func (a statsStore) Get(ctx context.Context, id uuid.UUID) (store.StatsRecord, bool, error) {
	return a.s.GetStats(ctx, id)
}

func (a statsStore) Upsert(ctx context.Context, id uuid.UUID, rec store.StatsRecord) error {
	return a.s.UpsertStats(ctx, id, rec)
}
