package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/eventstore"
)

func forEachRegistry(t *testing.T, fn func(t *testing.T, reg core.RegistryStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryRegistry()) })
	t.Run("sqlite", func(t *testing.T) {
		db, err := eventstore.OpenDB(filepath.Join(t.TempDir(), "registry.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		reg, err := NewSQLiteRegistry(db)
		require.NoError(t, err)
		fn(t, reg)
	})
}

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg core.RegistryStore) {
		ctx := context.Background()
		require.NoError(t, reg.Ensure(ctx, 1, []string{"alpha", "beta"}))
		require.NoError(t, reg.Ensure(ctx, 1, []string{"beta"}))

		all, err := reg.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, all[1])
	})
}

func TestRegistry_RemoveNamedAndAll(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg core.RegistryStore) {
		ctx := context.Background()
		require.NoError(t, reg.Ensure(ctx, 1, []string{"alpha", "beta"}))
		require.NoError(t, reg.Ensure(ctx, 2, []string{"gamma"}))

		require.NoError(t, reg.Remove(ctx, 1, []string{"alpha"}))
		all, err := reg.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"beta"}, all[1])

		// Empty slice drops the whole conversation entry.
		require.NoError(t, reg.Remove(ctx, 1, nil))
		all, err = reg.All(ctx)
		require.NoError(t, err)
		_, ok := all[1]
		assert.False(t, ok)
		assert.Equal(t, []string{"gamma"}, all[2])
	})
}
