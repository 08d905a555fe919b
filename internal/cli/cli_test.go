package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"playerdata/pkg/codec"
	"playerdata/pkg/events"
	"playerdata/pkg/logger"
	"playerdata/pkg/store"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playerctl.db")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "playerctl", cmd.Use)

	for _, name := range []string{"migrate", "inspect", "simulate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestInvalidFormat(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "migrate", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMigrateAndInspect(t *testing.T) {
	path := useSQLite(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema applied (sqlite)")

	// Seed the store the way the syncer would have left it
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, path, logger.NewNop())
	require.NoError(t, err)
	id := uuid.New()
	contents, err := codec.Encode(codec.Slots{{Type: "minecraft:torch", Amount: 16}, nil})
	require.NoError(t, err)
	garbage := "not-a-payload"
	require.NoError(t, st.UpsertStats(ctx, id, store.StatsRecord{DisplayName: "Steve", MobsKilled: 7, PlayersKilled: 3, Deaths: 2, PlaytimeHours: 1.5}))
	require.NoError(t, st.UpsertPayload(ctx, id, store.PayloadRecord{Primary: &contents, Secondary: &garbage}))
	require.NoError(t, st.Close())

	out, err = execute(t, "inspect", "steve", "--format", "json")
	require.NoError(t, err)

	var result InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, id.String(), result.EntityID)
	assert.Equal(t, "Steve", result.DisplayName)
	assert.Equal(t, int64(7), result.MobsKilled)
	assert.Equal(t, 1.5, result.KDRatio)
	require.Len(t, result.Contents, 2)
	assert.Equal(t, "minecraft:torch", result.Contents[0].Type)
	assert.Equal(t, []string{"armor"}, result.CorruptFields)

	out, err = execute(t, "inspect", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Mob kills:  7")
	assert.Contains(t, out, "[0] minecraft:torch x16")
	assert.Contains(t, out, "armor payload is corrupt")
}

func TestInspectUnknownEntity(t *testing.T) {
	useSQLite(t)
	_, err := execute(t, "migrate")
	require.NoError(t, err)

	_, err = execute(t, "inspect", "nobody")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "inspect", uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSimulateNeedsBrokers(t *testing.T) {
	useSQLite(t)
	t.Setenv("KAFKA_BROKERS", "")
	_, err := execute(t, "simulate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	evs  []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, key, value []byte) error {
	ev, err := events.Parse(value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.keys = append(p.keys, string(key))
	p.evs = append(p.evs, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRunSimulate(t *testing.T) {
	pub := &recordingPublisher{}
	opts := &SimulateOptions{Entities: 2, Mutations: 3, MobKills: 2, Seed: 7}
	var out bytes.Buffer

	sent, err := runSimulate(context.Background(), pub, opts, time.Now, &out)
	require.NoError(t, err)
	assert.Equal(t, 16, sent)
	assert.Contains(t, out.String(), "published 16 events for 2 entities")

	// Each session is contiguous, keyed by its entity and bracketed by
	// activate and deactivate
	for s := 0; s < 2; s++ {
		session := pub.evs[s*8 : (s+1)*8]
		assert.Equal(t, events.Activate, session[0].Type)
		assert.Equal(t, events.Deactivate, session[7].Type)
		for i, ev := range session {
			assert.Equal(t, ev.EntityID.String(), pub.keys[s*8+i])
			if ev.Type == events.Mutate {
				require.NotNil(t, ev.Inventory)
				assert.Len(t, ev.Inventory.Contents, 36)
				for _, item := range ev.Inventory.Contents {
					if item != nil {
						assert.LessOrEqual(t, item.Amount, 64)
					}
				}
			}
		}
	}
}
