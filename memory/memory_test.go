package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]FactStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]FactStore{
		"inmemory": NewInMemoryStore(),
		"sqlite":   sqlite,
	}
}

func TestLastWriteWins(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SetFact(ctx, "sess-1", "plan", "free"))
			require.NoError(t, store.SetFact(ctx, "sess-1", "plan", "pro"))

			facts, err := store.Facts(ctx, "sess-1")
			require.NoError(t, err)
			require.Equal(t, "pro", facts["plan"], "later writes overwrite earlier ones")
			require.Len(t, facts, 1, "at most one live value per key")
		})
	}
}

func TestSubjectIsolation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SetFact(ctx, "sess-a", "name", "Ada"))

			facts, err := store.Facts(ctx, "sess-b")
			require.NoError(t, err)
			require.Empty(t, facts, "no cross-subject visibility")
		})
	}
}

func TestReadsReflectCompletedWrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, kv := range [][2]string{{"name", "Ada"}, {"tier", "gold"}, {"locale", "en"}} {
				require.NoError(t, store.SetFact(ctx, "sess-1", kv[0], kv[1]))
				facts, err := store.Facts(ctx, "sess-1")
				require.NoError(t, err)
				require.Equal(t, kv[1], facts[kv[0]])
			}
		})
	}
}
