package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

func newMockStore(t *testing.T) (*CatalogStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewCatalogStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewCatalogStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCatalogStoreWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewCatalogStoreWithPool(mock, "pokemon; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewCatalogStoreWithPool(mock, "same", "same")
	require.Error(t, err)
	store, err := NewCatalogStoreWithPool(mock, "entities", "entities_stg")
	require.NoError(t, err)
	require.Equal(t, "entities", store.catalog)
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS pokemon_stg")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS pokemon (")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageTruncatesAndCopiesInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE TABLE pokemon_stg").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"pokemon_stg"}, []string{"name"}).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, store.Stage(context.Background(), []string{"bulbasaur", "charmander"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageEmptyCatalogOnlyTruncates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE TABLE pokemon_stg").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCommit()

	require.NoError(t, store.Stage(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageRollsBackOnCopyFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE TABLE pokemon_stg").WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"pokemon_stg"}, []string{"name"}).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	err := store.Stage(context.Background(), []string{"bulbasaur"})
	var se *catalog.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "stage", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeReturnsInsertedCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO pokemon \(name\)\s+SELECT DISTINCT name FROM pokemon_stg\s+ON CONFLICT \(name\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.Merge(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO pokemon").WillReturnError(errors.New("deadlock"))

	_, err := store.Merge(context.Background())
	var se *catalog.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "merge", se.Op)
}

func TestListScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	processed := time.Date(2026, 10, 17, 0, 13, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT name, last_processed FROM pokemon").
		WillReturnRows(pgxmock.NewRows([]string{"name", "last_processed"}).
			AddRow("bulbasaur", processed).
			AddRow("charmander", catalog.SentinelTime()))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []catalog.Entity{
		{Name: "bulbasaur", LastProcessed: processed},
		{Name: "charmander", LastProcessed: catalog.SentinelTime()},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT last_processed FROM pokemon WHERE name").
		WithArgs("missingno").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "missingno")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestTouchProcessedUpsertsWithGreatest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2026, 10, 17, 0, 13, 5, 0, time.UTC)
	mock.ExpectExec(`ON CONFLICT \(name\) DO UPDATE\s+SET last_processed = GREATEST\(pokemon.last_processed, EXCLUDED.last_processed\)`).
		WithArgs("bulbasaur", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.TouchProcessed(context.Background(), "bulbasaur", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewCatalogStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	var se *catalog.StoreError
	require.ErrorAs(t, store.Ping(context.Background()), &se)
	require.NoError(t, mock.ExpectationsWereMet())
}
