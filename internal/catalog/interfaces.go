package catalog

import (
	"context"
	"time"
)

// Store persists the catalog and its staging area.
type Store interface {
	// EnsureSchema creates the catalog and staging tables when absent.
	EnsureSchema(ctx context.Context) error
	// Stage replaces the staging contents with names in a single unit of work.
	Stage(ctx context.Context, names []string) error
	// Merge inserts every staged name missing from the catalog with the
	// sentinel timestamp and returns the number of inserted rows. Existing
	// rows are never touched.
	Merge(ctx context.Context) (int64, error)
	// List returns every catalog row in store iteration order.
	List(ctx context.Context) ([]Entity, error)
	// Get returns a single row or ErrNotFound.
	Get(ctx context.Context, name string) (Entity, error)
	// TouchProcessed upserts LastProcessed for name. The stored value never
	// moves backwards.
	TouchProcessed(ctx context.Context, name string, at time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte, metadata map[string]string) (string, error)
}

// Queue accepts work items for asynchronous processing.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// Handler processes one delivery. A non-nil error leaves the item eligible
// for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Consumer pulls deliveries from a queue and blocks until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// QueueBackend is a transport that both produces and consumes work items.
type QueueBackend interface {
	Queue
	Consumer
	Close() error
}

// CatalogSource lists the identifiers exposed by the remote data source.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]string, error)
}

// DetailSource fetches a single entity's payload from the remote data source.
type DetailSource interface {
	FetchDetail(ctx context.Context, name string) ([]byte, error)
}

// Hasher computes digests for integrity metadata.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces message IDs.
type IDGenerator interface {
	NewID() (string, error)
}
