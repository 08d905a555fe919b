package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playerdata/internal/writeback"
	"playerdata/pkg/codec"
	"playerdata/pkg/events"
	"playerdata/pkg/logger"
	"playerdata/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheName labels inventory logs and metrics
const CacheName = "inventory"

// Options configures a Manager
type Options struct {
	MaxStackSize     int
	MaxRetryAttempts int
	RetryDelay       time.Duration
	Debounce         time.Duration
	DrainParallelism int
}

// Manager persists the encoded inventory pair of each active entity
type Manager struct {
	cache        *writeback.Cache[store.PayloadRecord]
	logger       *logger.Logger
	maxStackSize int
}

// NewManager creates a new Manager instance
func NewManager(ps store.PayloadStore, exec writeback.Executor, l *logger.Logger, opts Options) *Manager {
	maxStack := opts.MaxStackSize
	if maxStack < 1 {
		maxStack = 64
	}
	return &Manager{
		cache: writeback.New[store.PayloadRecord](payloadStore{ps}, exec, l, writeback.Options[store.PayloadRecord]{
			Name:             CacheName,
			MaxRetryAttempts: opts.MaxRetryAttempts,
			RetryDelay:       opts.RetryDelay,
			Debounce:         opts.Debounce,
			DrainParallelism: opts.DrainParallelism,
		}),
		logger:       l.Named(CacheName),
		maxStackSize: maxStack,
	}
}

// Load returns the decoded inventory for id. A corrupt field degrades to an
// empty one without affecting the other field.
func (m *Manager) Load(ctx context.Context, id uuid.UUID) (events.Inventory, bool, error) {
	rec, recovered, err := m.cache.Load(ctx, id)
	if err != nil {
		return events.Inventory{}, false, err
	}
	return m.decode(id, rec), recovered, nil
}

// Mutate records a new inventory for id and schedules it for saving
func (m *Manager) Mutate(id uuid.UUID, inv events.Inventory) error {
	primary, err := codec.Encode(inv.Contents)
	if err != nil {
		return fmt.Errorf("failed to encode contents: %w", err)
	}
	secondary, err := codec.Encode(inv.Armor)
	if err != nil {
		return fmt.Errorf("failed to encode armor: %w", err)
	}

	m.cache.MarkDirty(id, store.PayloadRecord{Primary: &primary, Secondary: &secondary})
	return nil
}

// Get returns the decoded live inventory for id
func (m *Manager) Get(id uuid.UUID) (events.Inventory, bool) {
	rec, ok := m.cache.Get(id)
	if !ok {
		return events.Inventory{}, false
	}
	return m.decode(id, rec), true
}

// RequestFlush queues a save of id without waiting
func (m *Manager) RequestFlush(id uuid.UUID) {
	m.cache.RequestFlush(id)
}

// Deactivate saves id one last time and drops it from memory. The eviction
// happens even when the save fails; the unconfirmed record stays pending.
func (m *Manager) Deactivate(ctx context.Context, id uuid.UUID) error {
	syncErr := m.cache.Sync(ctx, id)
	if syncErr != nil {
		m.logger.Warn("final save failed", zap.String("entity_id", id.String()), zap.String("op", "deactivate"), zap.Error(syncErr))
	}
	return errors.Join(syncErr, m.cache.Evict(ctx, id))
}

// Drain saves every pending inventory
func (m *Manager) Drain(ctx context.Context) error {
	return m.cache.Drain(ctx)
}

// DiscardPending drops an unconfirmed inventory
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

func (m *Manager) decode(id uuid.UUID, rec store.PayloadRecord) events.Inventory {
	return events.Inventory{
		Contents: m.decodeField(id, "contents", rec.Primary),
		Armor:    m.decodeField(id, "armor", rec.Secondary),
	}
}

func (m *Manager) decodeField(id uuid.UUID, field string, text *string) codec.Slots {
	if text == nil {
		return nil
	}
	slots, err := codec.Decode(*text)
	if err != nil {
		m.logger.Warn("corrupt payload field, using empty",
			zap.String("entity_id", id.String()),
			zap.String("field", field),
			zap.String("op", "load"),
			zap.Error(err))
		return nil
	}

	normalised, changed := Normalise(slots, m.maxStackSize)
	if changed > 0 {
		m.logger.Debug("normalised slots",
			zap.String("entity_id", id.String()),
			zap.String("field", field),
			zap.Int("changed", changed))
	}
	return normalised
}

// Normalise clamps oversized stacks to maxStack and turns stacks with no
// type or a non-positive amount into empty slots. It returns a new slice
// and the number of slots it changed.
func Normalise(slots codec.Slots, maxStack int) (codec.Slots, int) {
	if slots == nil {
		return nil, 0
	}

	out := make(codec.Slots, len(slots))
	changed := 0
	for i, item := range slots {
		switch {
		case item == nil:
		case item.Type == "" || item.Amount <= 0:
			changed++
		case item.Amount > maxStack:
			clamped := *item
			clamped.Amount = maxStack
			out[i] = &clamped
			changed++
		default:
			out[i] = item
		}
	}
	return out, changed
}

// payloadStore adapts the payload half of a store to the cache contract
type payloadStore struct {
	s store.PayloadStore
}

func (p payloadStore) Get(ctx context.Context, id uuid.UUID) (store.PayloadRecord, bool, error) {
	return p.s.GetPayload(ctx, id)
}

func (p payloadStore) Upsert(ctx context.Context, id uuid.UUID, rec store.PayloadRecord) error {
	return p.s.UpsertPayload(ctx, id, rec)
}
