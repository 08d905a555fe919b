// Package writeback keeps per-entity records in memory and persists them
// asynchronously.
//
// Every mutation lands in the pending set first, so the latest known value
// survives a failed save and is served preferentially by Load. At most one
// save per entity runs at a time; the in-flight set is the only gate.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"playerdata/pkg/logger"
	"playerdata/pkg/metrics"
	"playerdata/pkg/retry"
	"playerdata/pkg/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyInFlight signals a redundant flush request. It is not a failure.
var ErrAlreadyInFlight = errors.New("flush already in flight")

// State is the per-entity lifecycle position
type State int

const (
	Absent State = iota
	Clean
	Dirty
	Saving
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	default:
		return "absent"
	}
}

// Store is the point lookup / full-replace upsert pair a cache persists through
type Store[T any] interface {
	Get(ctx context.Context, id uuid.UUID) (T, bool, error)
	Upsert(ctx context.Context, id uuid.UUID, rec T) error
}

// Executor runs flushes off the caller's goroutine
type Executor interface {
	Submit(ctx context.Context, task worker.Task) error
	TrySubmit(task worker.Task) error
}

// Options tunes a cache
type Options[T any] struct {
	// Name labels logs and metrics
	Name             string
	MaxRetryAttempts int
	RetryDelay       time.Duration
	// Debounce coalesces MarkDirty calls into one flush per window. Zero
	// leaves flushing to the scheduler.
	Debounce time.Duration
	// DrainParallelism bounds concurrent saves during Drain
	DrainParallelism int
	// BeforeSave may refresh a record right before it is written
	BeforeSave func(ctx context.Context, id uuid.UUID, rec T) T
}

type pendingEntry[T any] struct {
	rec     T
	version uint64
}

// Cache is the write-back cache for one record type
type Cache[T any] struct {
	name       string
	store      Store[T]
	exec       Executor
	logger     *logger.Logger
	retryOpts  retry.RetryOptions
	debounce   time.Duration
	drainLimit int
	beforeSave func(ctx context.Context, id uuid.UUID, rec T) T

	mu       sync.Mutex
	seq      uint64
	live     map[uuid.UUID]T
	pending  map[uuid.UUID]pendingEntry[T]
	inFlight map[uuid.UUID]chan struct{}
	timers   map[uuid.UUID]*time.Timer
}

// New creates a Cache instance
func New[T any](store Store[T], exec Executor, l *logger.Logger, opts Options[T]) *Cache[T] {
	attempts := opts.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	drain := opts.DrainParallelism
	if drain < 1 {
		drain = 4
	}

	c := &Cache[T]{
		name:       opts.Name,
		store:      store,
		exec:       exec,
		logger:     l.Named("writeback").With(zap.String("cache", opts.Name)),
		debounce:   opts.Debounce,
		drainLimit: drain,
		beforeSave: opts.BeforeSave,
		live:       make(map[uuid.UUID]T),
		pending:    make(map[uuid.UUID]pendingEntry[T]),
		inFlight:   make(map[uuid.UUID]chan struct{}),
		timers:     make(map[uuid.UUID]*time.Timer),
	}
	c.retryOpts = retry.Fixed(attempts, opts.RetryDelay)
	return c
}

// MarkDirty records rec as the latest value for id and arranges for it to
// be flushed. It never blocks on the store.
func (c *Cache[T]) MarkDirty(id uuid.UUID, rec T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.live[id] = rec
	c.setPendingLocked(id, rec)
	c.scheduleLocked(id)
}

// Update mutates the live record for id in place and marks it dirty. It
// returns false if id has no live record.
func (c *Cache[T]) Update(id uuid.UUID, fn func(rec *T)) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.live[id]
	if !ok {
		var zero T
		return zero, false
	}
	fn(&rec)
	c.live[id] = rec
	c.setPendingLocked(id, rec)
	c.scheduleLocked(id)
	return rec, true
}

func (c *Cache[T]) setPendingLocked(id uuid.UUID, rec T) {
	c.seq++
	c.pending[id] = pendingEntry[T]{rec: rec, version: c.seq}
	metrics.PendingRecords.WithLabelValues(c.name).Set(float64(len(c.pending)))
}

// scheduleLocked arms at most one debounce timer per id. An entity that is
// being saved needs no timer: the running flush picks up the newer version
// when it completes.
func (c *Cache[T]) scheduleLocked(id uuid.UUID) {
	if c.debounce <= 0 {
		return
	}
	if _, saving := c.inFlight[id]; saving {
		return
	}
	if _, armed := c.timers[id]; armed {
		return
	}
	c.timers[id] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		c.RequestFlush(id)
	})
}

// RequestFlush hands a flush of id to the executor and returns immediately
func (c *Cache[T]) RequestFlush(id uuid.UUID) {
	c.RequestFlushAfter(id, nil)
}

// RequestFlushAfter is RequestFlush with prepare run on the executor right
// before the flush. prepare may mark id dirty.
func (c *Cache[T]) RequestFlushAfter(id uuid.UUID, prepare func(ctx context.Context)) {
	task := func(ctx context.Context) {
		if prepare != nil {
			prepare(ctx)
		}
		err := c.Flush(ctx, id)
		if err != nil && !errors.Is(err, ErrAlreadyInFlight) {
			c.logger.Debug("requested flush did not complete", zap.String("entity_id", id.String()), zap.Error(err))
		}
	}

	err := c.exec.TrySubmit(task)
	if errors.Is(err, worker.ErrQueueFull) {
		go func() {
			if err := c.exec.Submit(context.Background(), task); err != nil {
				c.logger.Warn("dropped flush request", zap.String("entity_id", id.String()), zap.Error(err))
			}
		}()
		return
	}
	if err != nil {
		c.logger.Warn("dropped flush request", zap.String("entity_id", id.String()), zap.Error(err))
	}
}

// Flush writes the pending record for id. It returns ErrAlreadyInFlight if
// another flush for id is running and nil if there is nothing to write.
// Mutations that arrive while the save runs are written by the same call
// before the in-flight marker is released.
func (c *Cache[T]) Flush(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		return ErrAlreadyInFlight
	}
	if _, dirty := c.pending[id]; !dirty {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.inFlight[id] = done
	c.mu.Unlock()

	metrics.InFlight.WithLabelValues(c.name).Inc()
	rearm := false
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		close(done)
		if rearm {
			c.scheduleLocked(id)
		}
		c.mu.Unlock()
		metrics.InFlight.WithLabelValues(c.name).Dec()
	}()

	for {
		more, err := c.saveOnce(ctx, id)
		if err != nil {
			// A mutation that arrived during the failed save gets its own window
			rearm = more
			return err
		}
		if !more {
			return nil
		}
	}
}

// saveOnce writes the current pending version and reports whether a newer
// version arrived meanwhile
func (c *Cache[T]) saveOnce(ctx context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	rec := entry.rec
	if c.beforeSave != nil {
		rec = c.beforeSave(ctx, id, rec)
		c.mu.Lock()
		if cur, ok := c.pending[id]; ok && cur.version == entry.version {
			c.pending[id] = pendingEntry[T]{rec: rec, version: entry.version}
			if _, live := c.live[id]; live {
				c.live[id] = rec
			}
		}
		c.mu.Unlock()
	}

	start := time.Now()
	attempts := 0
	opts := c.retryOpts
	opts.OnRetry = func(attempt int, err error) {
		metrics.FlushRetriesTotal.WithLabelValues(c.name).Inc()
		c.logger.Warn("upsert failed, retrying",
			zap.String("entity_id", id.String()),
			zap.String("op", "flush"),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	err := retry.Do(ctx, func() error {
		attempts++
		return c.store.Upsert(ctx, id, rec)
	}, opts)
	metrics.UpsertLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushFailuresTotal.WithLabelValues(c.name).Inc()
		c.logger.Error("flush failed, record kept pending", err,
			zap.String("entity_id", id.String()),
			zap.String("op", "flush"),
			zap.Int("attempts", attempts))

		c.mu.Lock()
		cur, ok := c.pending[id]
		c.mu.Unlock()
		return ok && cur.version != entry.version, fmt.Errorf("flush %s: %w", id, err)
	}

	metrics.FlushesTotal.WithLabelValues(c.name).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.pending[id]
	if ok && cur.version == entry.version {
		delete(c.pending, id)
		metrics.PendingRecords.WithLabelValues(c.name).Set(float64(len(c.pending)))
		c.logger.Debug("record flushed", zap.String("entity_id", id.String()), zap.Int("attempts", attempts))
		return false, nil
	}
	return ok, nil
}

// Load returns the record for id. A pending record wins over the store
// (recovered=true). Otherwise Load waits for any in-flight save of id, then
// queries the store; a missing row yields the zero record.
func (c *Cache[T]) Load(ctx context.Context, id uuid.UUID) (T, bool, error) {
	var zero T
	for {
		c.mu.Lock()
		if entry, ok := c.pending[id]; ok {
			c.live[id] = entry.rec
			c.mu.Unlock()
			metrics.RecoveredLoadsTotal.WithLabelValues(c.name).Inc()
			c.logger.Info("served load from pending cache", zap.String("entity_id", id.String()))
			return entry.rec, true, nil
		}
		done, busy := c.inFlight[id]
		c.mu.Unlock()
		if !busy {
			break
		}
		if err := wait(ctx, done); err != nil {
			return zero, false, err
		}
	}

	var (
		rec   T
		found bool
	)
	err := retry.Do(ctx, func() error {
		var err error
		rec, found, err = c.store.Get(ctx, id)
		return err
	}, c.retryOpts)
	if err != nil {
		c.logger.Error("load failed", err, zap.String("entity_id", id.String()), zap.String("op", "load"))
		return zero, false, fmt.Errorf("load %s: %w", id, err)
	}
	if !found {
		rec = zero
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A mutation that raced the query is newer than the row
	if entry, ok := c.pending[id]; ok {
		c.live[id] = entry.rec
		return entry.rec, false, nil
	}
	c.live[id] = rec
	return rec, false, nil
}

// Sync flushes id and waits for the result, waiting out any save already in
// flight. It is the synchronous-equivalent flush used on deactivation and
// shutdown.
func (c *Cache[T]) Sync(ctx context.Context, id uuid.UUID) error {
	for {
		err := c.Flush(ctx, id)
		if !errors.Is(err, ErrAlreadyInFlight) {
			return err
		}
		if err := c.waitIdle(ctx, id); err != nil {
			return err
		}
	}
}

// Evict drops id from memory once no save is in flight. A record that could
// not be confirmed stays pending so the next Load can recover it.
func (c *Cache[T]) Evict(ctx context.Context, id uuid.UUID) error {
	for {
		if err := c.waitIdle(ctx, id); err != nil {
			return err
		}

		c.mu.Lock()
		if _, busy := c.inFlight[id]; busy {
			c.mu.Unlock()
			continue
		}
		delete(c.live, id)
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
		_, retained := c.pending[id]
		c.mu.Unlock()

		if retained {
			c.logger.Warn("evicted with unconfirmed record retained", zap.String("entity_id", id.String()))
		}
		return nil
	}
}

// Drain synchronously flushes every entity with pending state. Failures are
// logged and joined; they never stop the other entities.
func (c *Cache[T]) Drain(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	c.logger.Info("draining pending records", zap.Int("count", len(ids)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.drainLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := c.Sync(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		c.logger.Warn("drain finished with failures", zap.Int("failed", len(errs)), zap.Int("total", len(ids)))
	}
	return errors.Join(errs...)
}

// DiscardPending drops an unconfirmed record without writing it
func (c *Cache[T]) DiscardPending(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[id]
	delete(c.pending, id)
	metrics.PendingRecords.WithLabelValues(c.name).Set(float64(len(c.pending)))
	return ok
}

// Get returns the live record for id
func (c *Cache[T]) Get(id uuid.UUID) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.live[id]
	return rec, ok
}

// State reports where id is in its lifecycle
func (c *Cache[T]) State(id uuid.UUID) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[id]; ok {
		return Saving
	}
	if _, ok := c.pending[id]; ok {
		return Dirty
	}
	if _, ok := c.live[id]; ok {
		return Clean
	}
	return Absent
}

// Loaded returns the ids with a live record, sorted
func (c *Cache[T]) Loaded() []uuid.UUID {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// PendingCount returns how many records await confirmation
func (c *Cache[T]) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache[T]) waitIdle(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	done, busy := c.inFlight[id]
	c.mu.Unlock()
	if !busy {
		return nil
	}
	return wait(ctx, done)
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
