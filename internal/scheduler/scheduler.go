// Package scheduler fans the catalog out onto the work queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// Result summarises one fan-out cycle.
type Result struct {
	Listed   int
	Enqueued int
}

// Scheduler enqueues one work item per catalog row.
type Scheduler struct {
	store  catalog.Store
	queue  catalog.Queue
	clock  catalog.Clock
	ids    catalog.IDGenerator
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(
	store catalog.Store,
	queue catalog.Queue,
	clock catalog.Clock,
	ids catalog.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, queue: queue, clock: clock, ids: ids, logger: logger.Named("scheduler")}
}

// Run lists every row and enqueues it in store order. Rows are not filtered.
// The cycle stops at the first enqueue failure; items already published stay
// on the queue.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	rows, err := s.store.List(ctx)
	if err != nil {
		err = catalog.WrapStore("list", err)
		s.logger.Error("list catalog failed", zap.Error(err))
		return res, err
	}
	res.Listed = len(rows)
	telemetry.SetCatalogSize(len(rows))

	for _, row := range rows {
		if err := s.enqueue(ctx, row); err != nil {
			s.logger.Error("fan-out aborted",
				zap.String("identifier", row.Name),
				zap.Int("enqueued", res.Enqueued),
				zap.Int("listed", res.Listed),
				zap.Error(err),
			)
			return res, err
		}
		res.Enqueued++
	}

	s.logger.Info("fan-out complete",
		zap.Int("enqueued", res.Enqueued),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// EnqueueOne enqueues a single existing row. It returns catalog.ErrNotFound
// for unknown names.
func (s *Scheduler) EnqueueOne(ctx context.Context, name string) (catalog.WorkItem, error) {
	row, err := s.store.Get(ctx, name)
	if err != nil {
		return catalog.WorkItem{}, err
	}
	item, err := s.item(row)
	if err != nil {
		return catalog.WorkItem{}, err
	}
	if err := s.publish(ctx, item); err != nil {
		return catalog.WorkItem{}, err
	}
	return item, nil
}

func (s *Scheduler) enqueue(ctx context.Context, row catalog.Entity) error {
	item, err := s.item(row)
	if err != nil {
		return err
	}
	return s.publish(ctx, item)
}

func (s *Scheduler) item(row catalog.Entity) (catalog.WorkItem, error) {
	item := row.WorkItem()
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return catalog.WorkItem{}, &catalog.QueueError{Op: "enqueue", Err: fmt.Errorf("generate id: %w", err)}
		}
		item.ID = id
	}
	if s.clock != nil {
		item.EnqueuedAt = s.clock.Now().UTC()
	}
	return item, nil
}

func (s *Scheduler) publish(ctx context.Context, item catalog.WorkItem) error {
	if err := s.queue.Enqueue(ctx, item); err != nil {
		telemetry.ObserveEnqueue(telemetry.StatusFailure)
		return &catalog.QueueError{Op: "enqueue", Err: err}
	}
	telemetry.ObserveEnqueue(telemetry.StatusSuccess)
	return nil
}
