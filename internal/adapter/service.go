// Package adapter turns host lifecycle and activity events into cache calls
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"playerdata/pkg/bus"
	"playerdata/pkg/events"
	"playerdata/pkg/logger"
	"playerdata/pkg/metrics"
	"playerdata/pkg/store"
	"playerdata/pkg/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InventoryManager is the payload side of the core
type InventoryManager interface {
	Load(ctx context.Context, id uuid.UUID) (events.Inventory, bool, error)
	Mutate(id uuid.UUID, inv events.Inventory) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Drain(ctx context.Context) error
}

// StatsManager is the stats side of the core
type StatsManager interface {
	Load(ctx context.Context, id uuid.UUID, displayName string) (store.StatsRecord, bool, error)
	StartTracking(id uuid.UUID)
	StopTracking(id uuid.UUID)
	IncrementMobKills(id uuid.UUID) bool
	IncrementPlayerKills(id uuid.UUID) bool
	IncrementDeaths(id uuid.UUID) bool
	Deactivate(ctx context.Context, id uuid.UUID) error
	Drain(ctx context.Context) error
}

// Submitter runs store-bound work off the event loop
type Submitter interface {
	Submit(ctx context.Context, task worker.Task) error
	TrySubmit(task worker.Task) error
}

// Options configures a Service
type Options struct {
	CountSelfInflictedDeaths bool
	SelfInflictedWindow      time.Duration
	Clock                    func() time.Time
}

// Service coordinates the event loop with the inventory and stats caches
type Service struct {
	logger    *logger.Logger
	reader    bus.Reader
	replies   bus.Publisher
	pool      Submitter
	inventory InventoryManager
	stats     StatsManager
	opts      Options

	mu            sync.Mutex
	active        map[uuid.UUID]struct{}
	selfInflicted map[uuid.UUID]time.Time
	// chains holds the completion signal of the last task queued per entity
	chains map[uuid.UUID]chan struct{}
}

// NewService creates a new Service instance. replies may be nil.
func NewService(
	l *logger.Logger,
	r bus.Reader,
	replies bus.Publisher,
	p Submitter,
	inv InventoryManager,
	st StatsManager,
	opts Options,
) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		logger:        l.Named("adapter"),
		reader:        r,
		replies:       replies,
		pool:          p,
		inventory:     inv,
		stats:         st,
		opts:          opts,
		active:        make(map[uuid.UUID]struct{}),
		selfInflicted: make(map[uuid.UUID]time.Time),
		chains:        make(map[uuid.UUID]chan struct{}),
	}
}

// Start runs the consume loop until ctx is done or the reader fails
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting event adapter")

	msgChan, errChan := s.reader.Read(ctx)

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return nil
			}
			if err := s.handleMessage(ctx, msg); err != nil {
				s.logger.Error("failed to handle message", err, zap.Int64("offset", msg.Offset))
			}

		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("reader error: %w", err)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, msg bus.Message) error {
	ev, err := events.Parse(msg.Value)
	if err != nil {
		metrics.EventsSkippedTotal.Inc()
		s.logger.Warn("skipping malformed event",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("payload", msg.Value))
		return s.reader.Commit(ctx, msg)
	}

	metrics.ConsumerLag.WithLabelValues(strconv.Itoa(msg.Partition)).Set(float64(msg.Lag))

	// Ordering per entity relies on its events sharing a key, and so a
	// partition
	if msg.EntityID != uuid.Nil && msg.EntityID != ev.EntityID {
		metrics.MisroutedEventsTotal.Inc()
		s.logger.Warn("event key names another entity, ordering not guaranteed",
			zap.String("key_entity_id", msg.EntityID.String()),
			zap.String("entity_id", ev.EntityID.String()),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}

	if err := s.Dispatch(ctx, ev); err != nil {
		s.logger.Error("failed to dispatch event", err,
			zap.String("entity_id", ev.EntityID.String()),
			zap.String("type", string(ev.Type)))
	}
	return s.reader.Commit(ctx, msg)
}

// Dispatch applies one host event. It never waits on the store.
func (s *Service) Dispatch(ctx context.Context, ev events.Event) error {
	metrics.EventsConsumedTotal.WithLabelValues(string(ev.Type)).Inc()
	id := ev.EntityID

	switch ev.Type {
	case events.Activate:
		return s.onActivate(ctx, ev)
	case events.Deactivate:
		return s.onDeactivate(ctx, id)
	case events.Mutate:
		return s.inventory.Mutate(id, *ev.Inventory)
	case events.MobKill:
		s.countIfLoaded(id, "mob_kill", s.stats.IncrementMobKills)
	case events.Death:
		s.onDeath(id, ev.KillerID)
	case events.Command:
		s.onCommand(id, ev.Command)
	case events.Loaded:
		// Our own replies share the topic in some deployments
	default:
		return fmt.Errorf("unhandled event type %q", ev.Type)
	}
	return nil
}

func (s *Service) onActivate(ctx context.Context, ev events.Event) error {
	id := ev.EntityID
	s.mu.Lock()
	s.active[id] = struct{}{}
	n := len(s.active)
	s.mu.Unlock()
	metrics.ActiveEntities.Set(float64(n))

	s.stats.StartTracking(id)

	return s.submit(ctx, id, func(ctx context.Context) {
		inv, invRecovered, err := s.inventory.Load(ctx, id)
		if err != nil {
			s.logger.Error("inventory load failed", err, zap.String("entity_id", id.String()), zap.String("op", "load"))
			return
		}
		_, statsRecovered, err := s.stats.Load(ctx, id, ev.DisplayName)
		if err != nil {
			s.logger.Error("stats load failed", err, zap.String("entity_id", id.String()), zap.String("op", "load"))
		}

		s.reply(ctx, events.Event{
			Type:        events.Loaded,
			EntityID:    id,
			DisplayName: ev.DisplayName,
			Inventory:   &inv,
			Recovered:   invRecovered || statsRecovered,
			At:          s.opts.Clock(),
		})
	})
}

func (s *Service) onDeactivate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.active, id)
	delete(s.selfInflicted, id)
	n := len(s.active)
	s.mu.Unlock()
	metrics.ActiveEntities.Set(float64(n))

	return s.submit(ctx, id, func(ctx context.Context) {
		s.stats.StopTracking(id)
		if err := s.inventory.Deactivate(ctx, id); err != nil {
			s.logger.Error("inventory deactivation incomplete", err, zap.String("entity_id", id.String()), zap.String("op", "deactivate"))
		}
		if err := s.stats.Deactivate(ctx, id); err != nil {
			s.logger.Error("stats deactivation incomplete", err, zap.String("entity_id", id.String()), zap.String("op", "deactivate"))
		}
	})
}

func (s *Service) onDeath(victim uuid.UUID, killer *uuid.UUID) {
	if killer != nil {
		s.countIfLoaded(*killer, "player_kill", s.stats.IncrementPlayerKills)
	}

	s.mu.Lock()
	marked, ok := s.selfInflicted[victim]
	delete(s.selfInflicted, victim)
	s.mu.Unlock()

	if ok && s.opts.Clock().Sub(marked) <= s.opts.SelfInflictedWindow {
		s.logger.Debug("self-inflicted death not counted", zap.String("entity_id", victim.String()))
		return
	}
	s.countIfLoaded(victim, "death", s.stats.IncrementDeaths)
}

func (s *Service) onCommand(id uuid.UUID, command string) {
	if s.opts.CountSelfInflictedDeaths || !isSelfInflicted(command) {
		return
	}
	s.mu.Lock()
	s.selfInflicted[id] = s.opts.Clock()
	s.mu.Unlock()
	s.logger.Debug("marked for self-inflicted death", zap.String("entity_id", id.String()))
}

func (s *Service) countIfLoaded(id uuid.UUID, counter string, inc func(uuid.UUID) bool) {
	if !inc(id) {
		s.logger.Debug("increment for unloaded entity ignored",
			zap.String("entity_id", id.String()),
			zap.String("counter", counter))
	}
}

func isSelfInflicted(command string) bool {
	c := strings.ToLower(strings.TrimSpace(command))
	return c == "/suicide" || strings.HasPrefix(c, "/suicide ")
}

// submit queues fn so that tasks for one entity run in the order they were
// submitted, whichever worker picks them up. It never waits for queue space:
// when the queue is full the task is handed over from a separate goroutine,
// so the consume loop keeps reading while the store is slow.
func (s *Service) submit(_ context.Context, id uuid.UUID, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.chains[id]
	s.chains[id] = done
	s.mu.Unlock()

	release := func() {
		close(done)
		s.mu.Lock()
		if s.chains[id] == done {
			delete(s.chains, id)
		}
		s.mu.Unlock()
	}
	abandon := func() {
		if prev == nil {
			release()
			return
		}
		// Later tasks must still wait for the earlier one
		go func() {
			<-prev
			release()
		}()
	}

	task := func(ctx context.Context) {
		defer release()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		fn(ctx)
	}

	err := s.pool.TrySubmit(task)
	if errors.Is(err, worker.ErrQueueFull) {
		s.logger.Warn("worker queue full, handing task over in the background", zap.String("entity_id", id.String()))
		go func() {
			if err := s.pool.Submit(context.Background(), task); err != nil {
				s.logger.Error("dropped task", err, zap.String("entity_id", id.String()))
				abandon()
			}
		}()
		return nil
	}
	if err != nil {
		abandon()
		return fmt.Errorf("failed to submit task for %s: %w", id, err)
	}
	return nil
}

func (s *Service) reply(ctx context.Context, ev events.Event) {
	if s.replies == nil {
		return
	}
	data, err := events.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode reply", err, zap.String("entity_id", ev.EntityID.String()))
		return
	}
	if err := s.replies.Publish(ctx, []byte(ev.EntityID.String()), data); err != nil {
		s.logger.Error("failed to publish reply", err, zap.String("entity_id", ev.EntityID.String()))
	}
}

// Active returns the active population sorted by id
func (s *Service) Active() []uuid.UUID {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Shutdown closes every open session and drains both caches. It must run
// after the pool has finished its queued tasks and before the store closes.
func (s *Service) Shutdown(ctx context.Context) error {
	active := s.Active()
	s.logger.Info("shutting down event adapter", zap.Int("active", len(active)))

	for _, id := range active {
		s.stats.StopTracking(id)
	}

	var g errgroup.Group
	var invErr, statsErr error
	g.Go(func() error {
		invErr = s.inventory.Drain(ctx)
		return nil
	})
	g.Go(func() error {
		statsErr = s.stats.Drain(ctx)
		return nil
	})
	_ = g.Wait()

	if err := errors.Join(invErr, statsErr); err != nil {
		s.logger.Error("drain left unconfirmed records", err)
		return err
	}
	s.logger.Info("drain complete")
	return nil
}
