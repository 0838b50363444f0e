package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

func openMemory(t *testing.T) *CatalogStore {
	t.Helper()

	store, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
	_, err = Open(Config{Path: ":memory:", CatalogTable: "bad name"})
	require.Error(t, err)
	_, err = Open(Config{Path: ":memory:", CatalogTable: "t", StagingTable: "t"})
	require.Error(t, err)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openMemory(t)
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
}

func TestSyncScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openMemory(t)

	require.NoError(t, store.Stage(ctx, []string{"bulbasaur", "charmander"}))
	inserted, err := store.Merge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, inserted)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.True(t, r.LastProcessed.Equal(catalog.SentinelTime()), r.Name)
	}

	processed := time.Date(2026, 10, 17, 0, 13, 2, 500, time.UTC)
	require.NoError(t, store.TouchProcessed(ctx, "bulbasaur", processed))

	require.NoError(t, store.Stage(ctx, []string{"bulbasaur", "charmander", "squirtle"}))
	inserted, err = store.Merge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	rows, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []catalog.Entity{
		{Name: "bulbasaur", LastProcessed: processed},
		{Name: "charmander", LastProcessed: catalog.SentinelTime()},
		{Name: "squirtle", LastProcessed: catalog.SentinelTime()},
	}, rows)

	inserted, err = store.Merge(ctx)
	require.NoError(t, err)
	require.Zero(t, inserted)
}

func TestMergeToleratesDuplicateStagedNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openMemory(t)
	require.NoError(t, store.Stage(ctx, []string{"pidgey", "pidgey", "rattata"}))
	inserted, err := store.Merge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, inserted)
}

func TestStageReplacesPreviousContents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openMemory(t)
	require.NoError(t, store.Stage(ctx, []string{"a", "b", "c"}))
	require.NoError(t, store.Stage(ctx, []string{"d"}))

	var n int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pokemon_stg").Scan(&n))
	require.Equal(t, 1, n)

	require.NoError(t, store.Stage(ctx, nil))
	inserted, err := store.Merge(ctx)
	require.NoError(t, err)
	require.Zero(t, inserted)
}

func TestTouchProcessedKeepsLatestAndInsertsMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openMemory(t)
	later := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Minute)

	require.NoError(t, store.TouchProcessed(ctx, "ditto", later))
	require.NoError(t, store.TouchProcessed(ctx, "ditto", earlier))

	got, err := store.Get(ctx, "ditto")
	require.NoError(t, err)
	require.True(t, got.LastProcessed.Equal(later))

	_, err = store.Get(ctx, "missingno")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestConcurrentTouchProcessedConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openMemory(t)
	base := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, store.TouchProcessed(ctx, "eevee", base.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "eevee")
	require.NoError(t, err)
	require.True(t, got.LastProcessed.Equal(base.Add(9*time.Second)))
}

func TestFileBackedStorePersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Stage(ctx, []string{"mew"}))
	_, err = store.Merge(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	rows, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "mew", rows[0].Name)
}
