// Package dispatcher connects a queue consumer to the item processor.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// ItemHandler processes one work item.
type ItemHandler func(ctx context.Context, item catalog.WorkItem) error

// Config controls Dispatcher behavior.
type Config struct {
	// MaxAttempts is used only to flag final attempts in logs. Zero disables
	// the flag.
	MaxAttempts int
}

// Dispatcher feeds queue deliveries to an ItemHandler. Concurrency is owned by
// the queue backend.
type Dispatcher struct {
	queue   catalog.QueueBackend
	handler ItemHandler
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue catalog.QueueBackend, handler ItemHandler, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run consumes deliveries and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")

	err := d.queue.Consume(ctx, d.handle)
	if err != nil && ctx.Err() == nil && !errors.Is(err, catalog.ErrQueueClosed) {
		return fmt.Errorf("consume: %w", err)
	}
	return nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item catalog.WorkItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return &catalog.QueueError{Op: "enqueue", Err: err}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, del catalog.Delivery) error {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	err := d.handler(ctx, del.Item)
	if err == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("identifier", del.Item.Name),
		zap.String("message_id", del.MessageID),
		zap.Int("attempt", del.Attempt),
		zap.Error(err),
	}
	if d.cfg.MaxAttempts > 0 && del.Attempt >= d.cfg.MaxAttempts {
		d.logger.Error("delivery failed on final attempt", fields...)
	} else {
		d.logger.Warn("delivery failed; eligible for redelivery", fields...)
	}
	return err
}
