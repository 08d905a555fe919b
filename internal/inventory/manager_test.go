package inventory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"playerdata/internal/writeback"
	"playerdata/pkg/codec"
	"playerdata/pkg/events"
	"playerdata/pkg/logger"
	"playerdata/pkg/store"
	"playerdata/pkg/worker"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func setup(t *testing.T, l *logger.Logger, debounce time.Duration) (*Manager, *store.SQLite) {
	t.Helper()
	ctx := context.Background()

	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "inventory.db"), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	pool := worker.NewPool(logger.NewNop(), 2, 16)
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(ctx) })

	m := NewManager(s, pool, l, Options{
		MaxStackSize:     64,
		MaxRetryAttempts: 3,
		RetryDelay:       time.Millisecond,
		Debounce:         debounce,
	})
	return m, s
}

func stack(typ string, amount int) *codec.ItemStack {
	return &codec.ItemStack{Type: typ, Amount: amount}
}

func TestLoadWithoutRowIsEmpty(t *testing.T) {
	m, _ := setup(t, logger.NewNop(), 0)
	id := uuid.New()

	inv, recovered, err := m.Load(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Nil(t, inv.Contents)
	assert.Nil(t, inv.Armor)
	assert.Equal(t, writeback.Clean, m.State(id))
}

func TestMutateThenLoadServesPending(t *testing.T) {
	m, _ := setup(t, logger.NewNop(), 0)
	id := uuid.New()
	inv := events.Inventory{
		Contents: codec.Slots{stack("minecraft:stone", 12), nil},
		Armor:    codec.Slots{nil, stack("minecraft:iron_helmet", 1)},
	}

	require.NoError(t, m.Mutate(id, inv))

	got, recovered, err := m.Load(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, inv, got)
}

func TestDebouncedSaveReachesStore(t *testing.T) {
	m, s := setup(t, logger.NewNop(), 20*time.Millisecond)
	id := uuid.New()

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Mutate(id, events.Inventory{Contents: codec.Slots{stack("minecraft:dirt", i)}}))
	}

	assert.Eventually(t, func() bool { return m.State(id) == writeback.Clean }, time.Second, 5*time.Millisecond)

	row, found, err := s.GetPayload(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	slots, err := codec.Decode(*row.Primary)
	require.NoError(t, err)
	assert.Equal(t, 3, slots[0].Amount)
}

func TestCorruptFieldIsIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m, s := setup(t, logger.FromZap(zap.New(core)), 0)
	ctx := context.Background()
	id := uuid.New()

	armor, err := codec.Encode(codec.Slots{stack("minecraft:diamond_boots", 1)})
	require.NoError(t, err)
	garbage := "%%% not a payload %%%"
	require.NoError(t, s.UpsertPayload(ctx, id, store.PayloadRecord{Primary: &garbage, Secondary: &armor}))

	inv, recovered, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Nil(t, inv.Contents)
	require.Len(t, inv.Armor, 1)
	assert.Equal(t, "minecraft:diamond_boots", inv.Armor[0].Type)

	warned := logs.FilterMessage("corrupt payload field, using empty").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "contents", warned[0].ContextMap()["field"])
	assert.Equal(t, id.String(), warned[0].ContextMap()["entity_id"])
}

func TestLoadNormalisesStoredSlots(t *testing.T) {
	m, s := setup(t, logger.NewNop(), 0)
	ctx := context.Background()
	id := uuid.New()

	contents, err := codec.Encode(codec.Slots{
		stack("minecraft:arrow", 500),
		stack("minecraft:bread", 0),
		stack("", 3),
		stack("minecraft:torch", 10),
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertPayload(ctx, id, store.PayloadRecord{Primary: &contents}))

	inv, _, err := m.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, inv.Contents, 4)
	assert.Equal(t, 64, inv.Contents[0].Amount)
	assert.Nil(t, inv.Contents[1])
	assert.Nil(t, inv.Contents[2])
	assert.Equal(t, 10, inv.Contents[3].Amount)
	assert.Nil(t, inv.Armor)
}

func TestNormaliseBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every kept slot is typed and within 1..max", prop.ForAll(
		func(amounts []int, maxStack int) bool {
			slots := make(codec.Slots, len(amounts))
			for i, a := range amounts {
				slots[i] = stack("minecraft:item", a)
			}
			out, _ := Normalise(slots, maxStack)
			if len(out) != len(slots) {
				return false
			}
			for i, item := range out {
				if item == nil {
					if amounts[i] > 0 {
						return false
					}
					continue
				}
				if item.Amount < 1 || item.Amount > maxStack {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-10, 200)),
		gen.IntRange(1, 99),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestNormaliseDoesNotMutateInput(t *testing.T) {
	in := codec.Slots{stack("minecraft:arrow", 100)}
	out, changed := Normalise(in, 64)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 64, out[0].Amount)
	assert.Equal(t, 100, in[0].Amount)
}

func TestDeactivateSavesAndEvicts(t *testing.T) {
	m, s := setup(t, logger.NewNop(), time.Hour)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := m.Load(ctx, id)
	require.NoError(t, err)
	require.NoError(t, m.Mutate(id, events.Inventory{Contents: codec.Slots{stack("minecraft:apple", 5)}}))

	require.NoError(t, m.Deactivate(ctx, id))
	assert.Equal(t, writeback.Absent, m.State(id))

	_, found, err := s.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDeactivateWithStoreDownKeepsPending(t *testing.T) {
	m, s := setup(t, logger.NewNop(), 0)
	ctx := context.Background()
	id := uuid.New()
	inv := events.Inventory{Contents: codec.Slots{stack("minecraft:emerald", 7)}}

	require.NoError(t, m.Mutate(id, inv))
	require.NoError(t, s.Close())

	err := m.Deactivate(ctx, id)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, writeback.Dirty, m.State(id))

	got, recovered, err := m.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, inv, got)

	assert.True(t, m.DiscardPending(id))
}
