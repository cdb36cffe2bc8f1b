package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// RateLimitConfig bounds what one actor may do. Zero fields take defaults;
// a negative field disables that limit.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	MaxConcurrent     int
}

// DefaultRateLimitConfig allows 60 requests a minute, bursts of 10 and 10
// concurrent streams per actor.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		Burst:             10,
		MaxConcurrent:     10,
	}
}

type actorLimit struct {
	limiter  *rate.Limiter
	inFlight int
	lastSeen time.Time
}

// ActorRateLimiter applies a token bucket and a concurrency cap per actor.
type ActorRateLimiter struct {
	mu     sync.Mutex
	cfg    RateLimitConfig
	limit  rate.Limit
	actors map[string]*actorLimit
	now    func() time.Time
}

// NewActorRateLimiter creates a limiter for cfg.
func NewActorRateLimiter(cfg RateLimitConfig) *ActorRateLimiter {
	defaults := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	return &ActorRateLimiter{
		cfg:    cfg,
		limit:  limit,
		actors: make(map[string]*actorLimit),
		now:    time.Now,
	}
}

// Acquire admits one request for actor. On success the returned release
// must be called when the request ends. On rejection reason says which
// limit was hit.
func (l *ActorRateLimiter) Acquire(actor string) (release func(), reason string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, exists := l.actors[actor]
	if !exists {
		a = &actorLimit{limiter: rate.NewLimiter(l.limit, l.cfg.Burst)}
		l.actors[actor] = a
	}
	a.lastSeen = now

	if l.cfg.MaxConcurrent > 0 && a.inFlight >= l.cfg.MaxConcurrent {
		return nil, reasonConcurrent, false
	}
	if !a.limiter.AllowN(now, 1) {
		return nil, reasonRate, false
	}

	a.inFlight++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if a.inFlight > 0 {
				a.inFlight--
			}
			a.lastSeen = l.now()
		})
	}, "", true
}

// InFlight returns the number of admitted requests of actor still running.
func (l *ActorRateLimiter) InFlight(actor string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.actors[actor]; ok {
		return a.inFlight
	}
	return 0
}

// Prune forgets actors idle for longer than idle with nothing in flight and
// returns how many were dropped.
func (l *ActorRateLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	pruned := 0
	for actor, a := range l.actors {
		if a.inFlight == 0 && a.lastSeen.Before(cutoff) {
			delete(l.actors, actor)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked actors.
func (l *ActorRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actors)
}
