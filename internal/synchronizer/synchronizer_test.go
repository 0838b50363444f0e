package synchronizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/storage/memory"
)

type fakeSource struct {
	names []string
	err   error
	calls int
}

func (f *fakeSource) FetchCatalog(context.Context) ([]string, error) {
	f.calls++
	return f.names, f.err
}

// failingStore fails the named operation and delegates the rest.
type failingStore struct {
	*memory.CatalogStore
	failOn string
}

func (s failingStore) Stage(ctx context.Context, names []string) error {
	if s.failOn == "stage" {
		return errors.New("connection reset")
	}
	return s.CatalogStore.Stage(ctx, names)
}

func (s failingStore) Merge(ctx context.Context) (int64, error) {
	if s.failOn == "merge" {
		return 0, errors.New("deadlock detected")
	}
	return s.CatalogStore.Merge(ctx)
}

func TestRunInsertsNewIdentifiersWithSentinel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewCatalogStore()
	source := &fakeSource{names: []string{"bulbasaur", "charmander"}}
	s := New(source, store, zap.NewNop())

	res, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Fetched: 2, Inserted: 2}, res)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.True(t, r.LastProcessed.Equal(catalog.SentinelTime()))
	}

	processed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchProcessed(ctx, "bulbasaur", processed))

	source.names = []string{"bulbasaur", "charmander", "squirtle"}
	res, err = s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Fetched: 3, Inserted: 1}, res)

	bulba, err := store.Get(ctx, "bulbasaur")
	require.NoError(t, err)
	require.True(t, bulba.LastProcessed.Equal(processed))
	squirtle, err := store.Get(ctx, "squirtle")
	require.NoError(t, err)
	require.True(t, squirtle.LastProcessed.Equal(catalog.SentinelTime()))
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewCatalogStore()
	s := New(&fakeSource{names: []string{"mew", "mewtwo", "mew"}}, store, nil)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	res, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Inserted)

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRunEmptyCatalog(t *testing.T) {
	t.Parallel()

	res, err := New(&fakeSource{}, memory.NewCatalogStore(), nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestRunFetchFailureCommitsNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewCatalogStore()
	fetchErr := &catalog.FetchError{Target: "catalog", StatusCode: 503}
	_, err := New(&fakeSource{err: fetchErr}, store, nil).Run(context.Background())

	var fe *catalog.FetchError
	require.True(t, errors.As(err, &fe))
	require.Empty(t, store.Staged())
	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRunStoreFailuresSurfaceAsStoreError(t *testing.T) {
	t.Parallel()

	for _, op := range []string{"stage", "merge"} {
		t.Run(op, func(t *testing.T) {
			t.Parallel()
			store := failingStore{CatalogStore: memory.NewCatalogStore(), failOn: op}
			res, err := New(&fakeSource{names: []string{"pikachu"}}, store, nil).Run(context.Background())

			var se *catalog.StoreError
			require.True(t, errors.As(err, &se))
			require.Equal(t, op, se.Op)
			require.Equal(t, 1, res.Fetched)
			require.Zero(t, res.Inserted)

			rows, err := store.List(context.Background())
			require.NoError(t, err)
			require.Empty(t, rows)
		})
	}
}
