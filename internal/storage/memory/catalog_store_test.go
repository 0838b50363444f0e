package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

func TestCatalogStoreMergeInsertsOnlyAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCatalogStore()
	require.NoError(t, store.EnsureSchema(ctx))

	require.NoError(t, store.Stage(ctx, []string{"bulbasaur", "charmander"}))
	inserted, err := store.Merge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, inserted)

	processed := time.Date(2026, 10, 17, 0, 13, 0, 0, time.UTC)
	require.NoError(t, store.TouchProcessed(ctx, "bulbasaur", processed))

	require.NoError(t, store.Stage(ctx, []string{"bulbasaur", "charmander", "squirtle", "squirtle"}))
	inserted, err = store.Merge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"bulbasaur", "charmander", "squirtle"}, names(rows))
	require.True(t, rows[0].LastProcessed.Equal(processed))
	require.True(t, rows[1].LastProcessed.Equal(catalog.SentinelTime()))
	require.True(t, rows[2].LastProcessed.Equal(catalog.SentinelTime()))

	inserted, err = store.Merge(ctx)
	require.NoError(t, err)
	require.Zero(t, inserted)
}

func TestCatalogStoreTouchProcessedIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCatalogStore()
	later := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, store.TouchProcessed(ctx, "pikachu", later))
	require.NoError(t, store.TouchProcessed(ctx, "pikachu", earlier))

	got, err := store.Get(ctx, "pikachu")
	require.NoError(t, err)
	require.True(t, got.LastProcessed.Equal(later))
}

func TestCatalogStoreTouchProcessedRecreatesRemovedRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCatalogStore()
	require.NoError(t, store.Stage(ctx, []string{"mew"}))
	_, err := store.Merge(ctx)
	require.NoError(t, err)

	store.Remove("mew")
	_, err = store.Get(ctx, "mew")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	at := time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchProcessed(ctx, "mew", at))
	got, err := store.Get(ctx, "mew")
	require.NoError(t, err)
	require.True(t, got.LastProcessed.Equal(at))
}

func TestCatalogStoreStageCopiesInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCatalogStore()
	in := []string{"a", "b"}
	require.NoError(t, store.Stage(ctx, in))
	in[0] = "z"
	require.Equal(t, []string{"a", "b"}, store.Staged())

	require.NoError(t, store.Stage(ctx, nil))
	require.Empty(t, store.Staged())
}

func TestCatalogStoreClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCatalogStore()
	require.NoError(t, store.Close())

	var se *catalog.StoreError
	require.True(t, errors.As(store.Ping(ctx), &se))
	_, err := store.List(ctx)
	require.True(t, errors.As(err, &se))
	require.Error(t, store.Stage(ctx, []string{"a"}))
	_, err = store.Get(ctx, "a")
	require.True(t, errors.As(err, &se))
	require.NotErrorIs(t, err, catalog.ErrNotFound)
}

func names(rows []catalog.Entity) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Name)
	}
	return out
}
