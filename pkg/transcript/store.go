package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const fileSuffix = ".jsonl"

// ErrInvalidKey is returned for keys that are empty or not path-safe.
var ErrInvalidKey = errors.New("invalid transcript key")

// Entry is a single conversation turn.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures a Store.
type Config struct {
	// Dir holds one file per key. Defaults to ~/.agentcore/transcripts.
	Dir string
	// MaxEntries caps each transcript; older entries are pruned after an
	// append pushes a transcript over the cap. Zero keeps everything.
	MaxEntries int
	Logger     zerolog.Logger
}

// Store appends and loads transcripts.
type Store struct {
	dir        string
	maxEntries int
	logger     zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Key builds the transcript key for an actor's session.
func Key(actorID, sessionID string) string {
	if actorID == "" {
		return sanitize(sessionID)
	}
	return sanitize(actorID) + "_" + sanitize(sessionID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

// New creates the transcript directory if needed.
func New(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentcore", "transcripts")
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must not be negative")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "transcript").Logger()
	logger.Info().Str("dir", dir).Msg("Transcript store initialized")

	return &Store{
		dir:        dir,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.Contains(key, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidKey)
	case strings.ContainsAny(key, "/\\"):
		return fmt.Errorf("%w: contains path separators", ErrInvalidKey)
	case strings.Contains(key, "\x00"):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidKey)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

func (s *Store) lock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Append writes entry at the end of the transcript for key.
func (s *Store) Append(ctx context.Context, key string, entry Entry) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.transcript",
		"transcript.append",
		attribute.String("transcript_key", key),
		attribute.String("role", entry.Role),
	)
	defer span.End()

	if err := validateKey(key); err != nil {
		tracing.FailSpan(span, err)
		return err
	}
	if entry.Role == "" {
		return fmt.Errorf("entry role cannot be empty")
	}
	if entry.Content == "" {
		return fmt.Errorf("entry content cannot be empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("transcript_key", key).
		Str("role", entry.Role).
		Msg("Entry appended")

	if s.maxEntries > 0 {
		if err := s.pruneLocked(key, s.maxEntries); err != nil {
			s.logger.Warn().Err(err).Str("transcript_key", key).Msg("Failed to prune transcript")
		}
	}
	return nil
}

// Load returns every valid entry for key, oldest first. A missing transcript
// loads as empty.
func (s *Store) Load(ctx context.Context, key string) ([]Entry, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.transcript",
		"transcript.load",
		attribute.String("transcript_key", key),
	)
	defer span.End()

	if err := validateKey(key); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	entries, err := s.read(ctx, key)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// Tail returns the last n entries for key.
func (s *Store) Tail(ctx context.Context, key string, n int) ([]Entry, error) {
	entries, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (s *Store) read(ctx context.Context, key string) ([]Entry, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	file, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().
				Str("transcript_key", key).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Role == "" || entry.Content == "" {
			logger.Warn().
				Str("transcript_key", key).
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Delete removes the transcript for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.transcript",
		"transcript.delete",
		attribute.String("transcript_key", key),
	)
	defer span.End()

	if err := validateKey(key); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	l := s.lock(key)
	l.Lock()
	err := os.Remove(s.path(key))
	l.Unlock()

	if err != nil && !os.IsNotExist(err) {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	s.locksMu.Lock()
	delete(s.locks, key)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("transcript_key", key).Msg("Transcript deleted")
	return nil
}

// List returns every stored key in lexical order.
func (s *Store) List() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	keys := []string{}
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Repair rewrites the transcript for key without its corrupt lines.
func (s *Store) Repair(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	entries, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := s.rewrite(key, entries); err != nil {
		return err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("transcript_key", key).
		Int("entries", len(entries)).
		Msg("Transcript repaired")
	return nil
}

// pruneLocked keeps the newest max entries. The caller holds the key lock.
func (s *Store) pruneLocked(key string, max int) error {
	entries, err := s.read(context.Background(), key)
	if err != nil {
		return err
	}
	if len(entries) <= max {
		return nil
	}
	return s.rewrite(key, entries[len(entries)-max:])
}

func (s *Store) rewrite(key string, entries []Entry) error {
	target := s.path(key)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace transcript: %w", err)
	}
	return nil
}
