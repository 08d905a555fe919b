// Package scheduler drives the periodic flush cycles
package scheduler

import (
	"context"
	"sync"
	"time"

	"playerdata/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Flusher accepts fire-and-forget flush requests
type Flusher interface {
	RequestFlush(id uuid.UUID)
}

// ActiveSource lists the active population in a stable order
type ActiveSource interface {
	Active() []uuid.UUID
}

// Options configures the two cycles
type Options struct {
	FlushInterval      time.Duration
	StatsFlushInterval time.Duration
	BatchPercent       int
}

// Scheduler flushes a rotating slice of the active population every payload
// interval and the whole population every stats interval. Its only state is
// the cursor.
type Scheduler struct {
	active  ActiveSource
	payload Flusher
	stats   Flusher
	logger  *logger.Logger
	opts    Options

	mu     sync.Mutex
	cursor int
}

// New creates a Scheduler instance
func New(active ActiveSource, payload, stats Flusher, l *logger.Logger, opts Options) *Scheduler {
	if opts.BatchPercent < 1 || opts.BatchPercent > 100 {
		opts.BatchPercent = 100
	}
	return &Scheduler{
		active:  active,
		payload: payload,
		stats:   stats,
		logger:  l.Named("scheduler"),
		opts:    opts,
	}
}

// MaxStaleness bounds how long an active entity can go without a payload flush
func MaxStaleness(interval time.Duration, batchPercent int) time.Duration {
	if batchPercent < 1 {
		batchPercent = 1
	}
	cycles := (100 + batchPercent - 1) / batchPercent
	return interval * time.Duration(cycles)
}

// Run ticks both cycles until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	payloadTicker := time.NewTicker(s.opts.FlushInterval)
	defer payloadTicker.Stop()
	statsTicker := time.NewTicker(s.opts.StatsFlushInterval)
	defer statsTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("flush_interval", s.opts.FlushInterval),
		zap.Duration("stats_flush_interval", s.opts.StatsFlushInterval),
		zap.Int("batch_percent", s.opts.BatchPercent),
		zap.Duration("max_staleness", MaxStaleness(s.opts.FlushInterval, s.opts.BatchPercent)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-payloadTicker.C:
			s.PayloadCycle()
		case <-statsTicker.C:
			s.StatsCycle()
		}
	}
}

// PayloadCycle requests a flush for the next batch of the active population
// and returns how many were requested
func (s *Scheduler) PayloadCycle() int {
	ids := s.active.Active()
	start, end := s.nextBatch(len(ids))
	for _, id := range ids[start:end] {
		s.payload.RequestFlush(id)
	}

	if end > start {
		s.logger.Debug("payload cycle",
			zap.Int("active", len(ids)),
			zap.Int("from", start),
			zap.Int("to", end))
	}
	return end - start
}

// StatsCycle requests a flush for every active entity
func (s *Scheduler) StatsCycle() int {
	ids := s.active.Active()
	for _, id := range ids {
		s.stats.RequestFlush(id)
	}
	if len(ids) > 0 {
		s.logger.Debug("stats cycle", zap.Int("active", len(ids)))
	}
	return len(ids)
}

// nextBatch returns the half-open range of the population to flush this
// cycle and advances the cursor, wrapping once the end is reached
func (s *Scheduler) nextBatch(n int) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == 0 {
		s.cursor = 0
		return 0, 0
	}
	if s.cursor >= n {
		s.cursor = 0
	}

	// Rounding up keeps a full rotation within ceil(100/percent) cycles
	per := (n*s.opts.BatchPercent + 99) / 100
	start := s.cursor
	end := start + per
	if end >= n {
		end = n
		s.cursor = 0
	} else {
		s.cursor = end
	}
	return start, end
}
