package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// SweeperConfig configures idle session eviction.
type SweeperConfig struct {
	Store    *Store
	IdleTTL  time.Duration
	Schedule string
	Logger   zerolog.Logger
}

// Sweeper periodically evicts idle sessions from a Store.
type Sweeper struct {
	store  *Store
	ttl    time.Duration
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper validates the schedule and registers the sweep job. The job
// does not run until Start is called.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.IdleTTL <= 0 {
		return nil, fmt.Errorf("idle ttl must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}

	s := &Sweeper{
		store:  cfg.Store,
		ttl:    cfg.IdleTTL,
		cron:   cron.New(),
		logger: cfg.Logger.With().Str("component", "session_sweeper").Logger(),
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Sweep evicts idle sessions once and returns how many were removed.
func (s *Sweeper) Sweep() int {
	evicted := s.store.EvictIdle(s.ttl)
	s.logger.Debug().
		Int("evicted", len(evicted)).
		Int("remaining", s.store.Len()).
		Msg("Session sweep finished")
	return len(evicted)
}

// Start begins running the sweep on its schedule.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().Dur("idle_ttl", s.ttl).Msg("Session sweeper started")
}

// Stop halts the schedule and waits for a running sweep until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
