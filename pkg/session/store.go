package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptySessionID is returned when a session id is missing.
	ErrEmptySessionID = errors.New("session id is required")
	// ErrSessionEnded is recorded on the relay of a deleted session.
	ErrSessionEnded = errors.New("session ended")
	// ErrSessionExpired is recorded on the relay of an evicted session.
	ErrSessionExpired = errors.New("session expired")
)

// Store maps session ids to their contexts. Each session has its own
// Context so sessions never contend on each other's locks.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	logger   zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(logger zerolog.Logger) *Store {
	observability.EnsureRegistered()
	return &Store{
		contexts: make(map[string]*Context),
		logger:   logger.With().Str("component", "session_store").Logger(),
	}
}

// Get returns the context for sessionID, creating it on first use.
func (s *Store) Get(sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	s.mu.RLock()
	c, ok := s.contexts[sessionID]
	s.mu.RUnlock()
	if ok {
		c.Touch()
		return c, nil
	}

	s.mu.Lock()
	c, ok = s.contexts[sessionID]
	if !ok {
		c = newContext(sessionID)
		s.contexts[sessionID] = c
	}
	count := len(s.contexts)
	s.mu.Unlock()

	if !ok {
		observability.SetActiveSessions(count)
		s.logger.Debug().Str("session_id", sessionID).Msg("Session context created")
	}
	c.Touch()
	return c, nil
}

// Lookup returns the context for sessionID without creating it.
func (s *Store) Lookup(sessionID string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[sessionID]
	return c, ok
}

// Delete ends a session. Its relay is aborted and its agent closed. It
// reports whether the session existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	c, ok := s.contexts[sessionID]
	if ok {
		delete(s.contexts, sessionID)
	}
	count := len(s.contexts)
	s.mu.Unlock()

	if !ok {
		return false
	}

	c.close(ErrSessionEnded)
	observability.SetActiveSessions(count)
	s.logger.Info().Str("session_id", sessionID).Msg("Session ended")
	return true
}

// EvictIdle removes contexts unused for longer than ttl. Busy contexts are
// kept regardless of age. It returns the evicted session ids.
func (s *Store) EvictIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-ttl)

	var evicted []*Context
	s.mu.Lock()
	for id, c := range s.contexts {
		if c.LastUsed().After(cutoff) || c.Busy() {
			continue
		}
		delete(s.contexts, id)
		evicted = append(evicted, c)
	}
	count := len(s.contexts)
	s.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		c.close(ErrSessionExpired)
		ids = append(ids, c.ID())
	}
	sort.Strings(ids)

	if len(ids) > 0 {
		observability.SetActiveSessions(count)
		observability.RecordSessionsEvicted(len(ids))
		s.logger.Info().Strs("session_ids", ids).Msg("Idle sessions evicted")
	}
	return ids
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Sessions returns the live session ids in sorted order.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close ends every session.
func (s *Store) Close() {
	s.mu.Lock()
	contexts := s.contexts
	s.contexts = make(map[string]*Context)
	s.mu.Unlock()

	for _, c := range contexts {
		c.close(ErrSessionEnded)
	}
	observability.SetActiveSessions(0)
}
