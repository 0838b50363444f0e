package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

// CatalogStore is an in-memory catalog.Store. Rows are listed in insertion
// order.
type CatalogStore struct {
	mu      sync.RWMutex
	order   []string
	rows    map[string]time.Time
	staging []string
	closed  bool
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{rows: make(map[string]time.Time)}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *CatalogStore) EnsureSchema(context.Context) error {
	return s.checkOpen("ensure schema")
}

// Stage replaces the staging contents with a copy of names.
func (s *CatalogStore) Stage(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &catalog.StoreError{Op: "stage", Err: errClosed}
	}
	s.staging = append(s.staging[:0:0], names...)
	return nil
}

// Merge inserts staged names that are not yet present.
func (s *CatalogStore) Merge(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &catalog.StoreError{Op: "merge", Err: errClosed}
	}
	var inserted int64
	for _, name := range s.staging {
		if _, ok := s.rows[name]; ok {
			continue
		}
		s.rows[name] = catalog.SentinelTime()
		s.order = append(s.order, name)
		inserted++
	}
	return inserted, nil
}

// List returns every row in insertion order.
func (s *CatalogStore) List(context.Context) ([]catalog.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &catalog.StoreError{Op: "list", Err: errClosed}
	}
	out := make([]catalog.Entity, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, catalog.Entity{Name: name, LastProcessed: s.rows[name]})
	}
	return out, nil
}

// Get returns the named row.
func (s *CatalogStore) Get(_ context.Context, name string) (catalog.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return catalog.Entity{}, &catalog.StoreError{Op: "get", Err: errClosed}
	}
	at, ok := s.rows[name]
	if !ok {
		return catalog.Entity{}, catalog.ErrNotFound
	}
	return catalog.Entity{Name: name, LastProcessed: at}, nil
}

// TouchProcessed upserts LastProcessed, keeping the later of the stored and
// supplied values.
func (s *CatalogStore) TouchProcessed(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &catalog.StoreError{Op: "touch processed", Err: errClosed}
	}
	at = at.UTC()
	prev, ok := s.rows[name]
	if !ok {
		s.order = append(s.order, name)
		s.rows[name] = at
		return nil
	}
	if at.After(prev) {
		s.rows[name] = at
	}
	return nil
}

// Remove deletes a row. It exists for tests that simulate out-of-band
// deletion; the pipeline itself never removes rows.
func (s *CatalogStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[name]; !ok {
		return
	}
	delete(s.rows, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Staged returns a copy of the staging contents.
func (s *CatalogStore) Staged() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.staging...)
}

// Ping reports whether the store is open.
func (s *CatalogStore) Ping(context.Context) error {
	return s.checkOpen("ping")
}

// Close marks the store closed.
func (s *CatalogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *CatalogStore) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &catalog.StoreError{Op: op, Err: errClosed}
	}
	return nil
}
