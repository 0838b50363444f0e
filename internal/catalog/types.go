package catalog

import (
	"fmt"
	"strings"
	"time"
)

// SentinelLiteral is the LastProcessed value stored for entities that have
// never completed a processing cycle.
const SentinelLiteral = "2000-01-01T00:00:00Z"

// SentinelTime returns SentinelLiteral as a UTC time.
func SentinelTime() time.Time {
	return time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Entity is a single row of the durable catalog.
type Entity struct {
	Name          string    `json:"name"`
	LastProcessed time.Time `json:"last_processed"`
}

// NewEntity returns an entity carrying the sentinel timestamp.
func NewEntity(name string) Entity {
	return Entity{Name: name, LastProcessed: SentinelTime()}
}

// Processed reports whether the entity has completed at least one cycle.
func (e Entity) Processed() bool {
	return e.LastProcessed.After(SentinelTime())
}

// WorkItem converts the catalog row into a queue payload snapshot.
func (e Entity) WorkItem() WorkItem {
	return WorkItem{Name: e.Name, LastProcessed: e.LastProcessed.UTC()}
}

// WorkItem is the payload carried by the work queue. LastProcessed is the
// value observed when the item was enqueued and is informational only.
type WorkItem struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"identifier"`
	LastProcessed time.Time `json:"lastProcessed"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// Delivery wraps a WorkItem handed to a consumer. Attempt starts at 1 and
// grows on every redelivery the transport can observe.
type Delivery struct {
	Item      WorkItem
	MessageID string
	Attempt   int
}

// ValidateName rejects identifiers that cannot be used as catalog keys or
// archive path segments.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return fmt.Errorf("identifier is required")
	case trimmed != name:
		return fmt.Errorf("identifier %q has surrounding whitespace", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("identifier %q contains a path separator", name)
	case name == "." || name == "..":
		return fmt.Errorf("identifier %q is reserved", name)
	}
	return nil
}
