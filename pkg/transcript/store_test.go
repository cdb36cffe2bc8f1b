package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, maxEntries int) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir(), MaxEntries: maxEntries, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s
}

func TestKey(t *testing.T) {
	assert.Equal(t, "actor-1_sess-1", Key("actor-1", "sess-1"))
	assert.Equal(t, "sess-1", Key("", "sess-1"))
	assert.Equal(t, "a-b_..-x", Key("a/b", "../x"))
	assert.Error(t, validateKey(Key("a/b", "../x")))
	assert.NoError(t, validateKey(Key("a/b", "x")))
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		shouldErr bool
	}{
		{"valid key", "actor_session", false},
		{"empty key", "", true},
		{"path traversal", "../etc/passwd", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAppendAndLoad(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "k", Entry{Role: "user", Content: "hello", ActorID: "a"}))
	require.NoError(t, s.Append(ctx, "k", Entry{Role: "assistant", Content: "hi there"}))

	entries, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "hello", entries[0].Content)
	assert.Equal(t, "a", entries[0].ActorID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "hi there", entries[1].Content)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	assert.Error(t, s.Append(ctx, "k", Entry{Content: "x"}))
	assert.Error(t, s.Append(ctx, "k", Entry{Role: "user"}))
	assert.ErrorIs(t, s.Append(ctx, "../k", Entry{Role: "user", Content: "x"}), ErrInvalidKey)
}

func TestLoadMissing(t *testing.T) {
	s := setupStore(t, 0)

	entries, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "k", Entry{Role: "user", Content: "one"}))
	f, err := os.OpenFile(s.path("k"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"role\":\"\",\"content\":\"\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(ctx, "k", Entry{Role: "assistant", Content: "two"}))

	entries, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.Repair(ctx, "k"))
	data, err := os.ReadFile(s.path("k"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not json")

	entries, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTail(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "k", Entry{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}

	entries, err := s.Tail(ctx, "k", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m3", entries[0].Content)
	assert.Equal(t, "m4", entries[1].Content)

	entries, err = s.Tail(ctx, "k", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestMaxEntriesPrunes(t *testing.T) {
	s := setupStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "k", Entry{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}

	entries, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Content)
	assert.Equal(t, "m4", entries[2].Content)
}

func TestDeleteAndList(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "b", Entry{Role: "user", Content: "x"}))
	require.NoError(t, s.Append(ctx, "a", Entry{Role: "user", Content: "x"}))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "ignored.txt"), []byte("x"), 0o600))

	keys, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	keys, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestConcurrentAppends(t *testing.T) {
	s := setupStore(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, "k", Entry{Role: "user", Content: fmt.Sprintf("m%d", i)}))
		}(i)
	}
	wg.Wait()

	entries, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}
