package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const flushTimeout = 10 * time.Second

var (
	ErrMissingStore    = errors.New("scheduler: store dependency required")
	ErrInvalidInterval = errors.New("scheduler: debounce interval must be positive")
)

// Producer yields the entity's freshest state blob. It is invoked at flush
// time, not at schedule time, so a burst of mutations persists only its
// final state.
type Producer func() []byte

// SchedulerConfig describes the inputs required to build a Scheduler.
type SchedulerConfig struct {
	Store    Store
	Interval time.Duration
	Logger   *zap.Logger
}

type pendingSave struct {
	timer   *time.Timer
	produce Producer
}

// Scheduler coalesces bursts of mutations per entity into a single delayed
// write. Each Schedule call resets the entity's timer; only when the timer
// elapses undisturbed does the store see a write, bounding writes to at most
// one per debounce interval per entity.
type Scheduler struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingSave
	closed  bool
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    cfg.Store,
		interval: cfg.Interval,
		logger:   logger,
		pending:  make(map[string]*pendingSave),
	}, nil
}

// Schedule (re)starts the entity's debounce timer with the given producer.
// The latest producer always wins; earlier ones for the same entity are
// discarded unflushed.
func (s *Scheduler) Schedule(entityID string, produce Producer) {
	if entityID == "" || produce == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if existing, ok := s.pending[entityID]; ok {
		existing.produce = produce
		existing.timer.Reset(s.interval)
		return
	}
	save := &pendingSave{produce: produce}
	save.timer = time.AfterFunc(s.interval, func() {
		s.flush(entityID)
	})
	s.pending[entityID] = save
}

// Close stops all timers and best-effort flushes whatever was still pending.
// Mutations within the debounce window at shutdown are at risk only if these
// final writes fail.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	remaining := make(map[string]Producer, len(s.pending))
	for entityID, save := range s.pending {
		save.timer.Stop()
		remaining[entityID] = save.produce
	}
	s.pending = make(map[string]*pendingSave)
	s.mu.Unlock()

	for entityID, produce := range remaining {
		if err := s.store.Save(ctx, entityID, produce()); err != nil {
			s.logger.Error("shutdown flush failed",
				zap.String("entity_id", entityID), zap.Error(err))
		}
	}
}

func (s *Scheduler) flush(entityID string) {
	s.mu.Lock()
	save, ok := s.pending[entityID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, entityID)
	produce := save.produce
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	// A failed save is logged and not retried here; the next mutation for
	// the entity reschedules a fresh attempt.
	if err := s.store.Save(ctx, entityID, produce()); err != nil {
		s.logger.Error("snapshot flush failed",
			zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	s.logger.Debug("snapshot flushed", zap.String("entity_id", entityID))
}
