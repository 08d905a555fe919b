package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"playerdata/pkg/logger"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

type population []uuid.UUID

func (p population) Active() []uuid.UUID { return p }

func newPopulation(n int) population {
	ids := make(population, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

type recorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *recorder) RequestFlush(id uuid.UUID) {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRotationCoversPopulation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every entity is flushed within ceil(100/percent) cycles", prop.ForAll(
		func(n, percent int) bool {
			pop := newPopulation(n)
			payload := &recorder{}
			s := New(pop, payload, &recorder{}, logger.NewNop(), Options{BatchPercent: percent})

			cycles := (100 + percent - 1) / percent
			for i := 0; i < cycles; i++ {
				if s.PayloadCycle() < 1 {
					return false
				}
			}

			seen := make(map[uuid.UUID]bool, n)
			for _, id := range payload.calls {
				seen[id] = true
			}
			return len(seen) == n
		},
		gen.IntRange(1, 300),
		gen.IntRange(1, 100),
	))

	properties.Property("a batch never exceeds its share rounded up", prop.ForAll(
		func(n, percent int) bool {
			s := New(newPopulation(n), &recorder{}, &recorder{}, logger.NewNop(), Options{BatchPercent: percent})
			limit := (n*percent + 99) / 100
			for i := 0; i < 5; i++ {
				start, end := s.nextBatch(n)
				if end-start < 1 || end-start > limit || end > n {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 300),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestCursorWrapsAndShrinks(t *testing.T) {
	s := New(population{}, &recorder{}, &recorder{}, logger.NewNop(), Options{BatchPercent: 25})

	start, end := s.nextBatch(8)
	assert.Equal(t, [2]int{0, 2}, [2]int{start, end})
	start, end = s.nextBatch(8)
	assert.Equal(t, [2]int{2, 4}, [2]int{start, end})

	// Population shrank below the cursor
	start, end = s.nextBatch(3)
	assert.Equal(t, [2]int{0, 1}, [2]int{start, end})

	start, end = s.nextBatch(0)
	assert.Equal(t, [2]int{0, 0}, [2]int{start, end})
}

func TestStatsCycleFlushesEveryone(t *testing.T) {
	pop := newPopulation(7)
	payload, stats := &recorder{}, &recorder{}
	s := New(pop, payload, stats, logger.NewNop(), Options{BatchPercent: 10})

	assert.Equal(t, 7, s.StatsCycle())
	assert.ElementsMatch(t, []uuid.UUID(pop), stats.calls)
	assert.Zero(t, payload.count())
}

func TestEmptyPopulation(t *testing.T) {
	s := New(population{}, &recorder{}, &recorder{}, logger.NewNop(), Options{BatchPercent: 20})
	assert.Zero(t, s.PayloadCycle())
	assert.Zero(t, s.StatsCycle())
}

func TestMaxStaleness(t *testing.T) {
	assert.Equal(t, 5*time.Minute, MaxStaleness(time.Minute, 20))
	assert.Equal(t, 4*time.Minute, MaxStaleness(time.Minute, 30))
	assert.Equal(t, time.Minute, MaxStaleness(time.Minute, 100))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	pop := newPopulation(4)
	payload, stats := &recorder{}, &recorder{}
	s := New(pop, payload, stats, logger.NewNop(), Options{
		FlushInterval:      5 * time.Millisecond,
		StatsFlushInterval: 10 * time.Millisecond,
		BatchPercent:       50,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return payload.count() >= 4 && stats.count() >= 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
