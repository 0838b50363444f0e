package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/config"
	queueMemory "github.com/JakeFAU/catalog-archiver/internal/queue/memory"
	"github.com/JakeFAU/catalog-archiver/internal/scheduler"
	"github.com/JakeFAU/catalog-archiver/internal/storage/memory"
	"github.com/JakeFAU/catalog-archiver/internal/synchronizer"
)

type fakeSource struct {
	names []string
	err   error
}

func (f *fakeSource) FetchCatalog(context.Context) ([]string, error) {
	return f.names, f.err
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixture struct {
	server *Server
	store  *memory.CatalogStore
	queue  *queueMemory.Queue
	source *fakeSource
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	store := memory.NewCatalogStore()
	q := queueMemory.NewQueue(queueMemory.Config{Capacity: 16}, nil)
	t.Cleanup(func() { _ = q.Close() })
	source := &fakeSource{names: []string{"bulbasaur", "charmander"}}

	deps := Deps{
		Store:     store,
		Sync:      synchronizer.New(source, store, nil),
		Scheduler: scheduler.New(store, q, fakeClock{now: time.Unix(100, 0)}, nil, nil),
	}
	return &fixture{
		server: NewServer(deps, cfg, zap.NewNop()),
		store:  store,
		queue:  q,
		source: source,
	}
}

func (f *fixture) do(method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.store.Close())
	rec = f.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_SyncThenSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := f.do(http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var syncRes syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &syncRes))
	require.Equal(t, syncResponse{Fetched: 2, Inserted: 2}, syncRes)

	rec = f.do(http.MethodGet, "/v1/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	require.Equal(t, "bulbasaur", list.Entities[0].Name)
	require.True(t, list.Entities[0].LastProcessed.Equal(catalog.SentinelTime()))

	rec = f.do(http.MethodPost, "/v1/schedule", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var schedRes scheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schedRes))
	require.Equal(t, scheduleResponse{Listed: 2, Enqueued: 2}, schedRes)
	require.Equal(t, 2, f.queue.Len())
}

func TestServer_SyncFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	f.source.err = &catalog.FetchError{Target: "catalog", StatusCode: http.StatusServiceUnavailable}

	rec := f.do(http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "unexpected status 503")
}

func TestServer_EntityRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/sync", nil).Code)

	rec := f.do(http.MethodGet, "/v1/catalog/charmander", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"charmander"`)

	rec = f.do(http.MethodGet, "/v1/catalog/missingno", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/v1/catalog/charmander/enqueue", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"identifier":"charmander"`)
	require.Equal(t, 1, f.queue.Len())

	rec = f.do(http.MethodPost, "/v1/catalog/missingno/enqueue", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/catalog", nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		f.do(http.MethodGet, "/v1/catalog", map[string]string{"X-API-Key": "wrong"}).Code)
	require.Equal(t, http.StatusOK,
		f.do(http.MethodGet, "/v1/catalog", map[string]string{"X-API-Key": "secret"}).Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_PropagatesRequestID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "abc-123"})
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestWriteFailureStatusMapping(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	tests := []struct {
		err  error
		want int
	}{
		{err: catalog.ErrNotFound, want: http.StatusNotFound},
		{err: &catalog.FetchError{Target: "x", Err: errors.New("dial")}, want: http.StatusBadGateway},
		{err: &catalog.StoreError{Op: "list", Err: errors.New("down")}, want: http.StatusServiceUnavailable},
		{err: &catalog.QueueError{Op: "enqueue", Err: errors.New("full")}, want: http.StatusServiceUnavailable},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("other"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		s.writeFailure(rec, tc.err)
		require.Equal(t, tc.want, rec.Code, tc.err.Error())
		require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
	}
}
