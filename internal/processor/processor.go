// Package processor archives one catalog entity per delivered work item.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/archive"
	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// Archiver persists a detail payload for (name, at).
type Archiver interface {
	Write(ctx context.Context, name string, at time.Time, payload []byte) (archive.Record, error)
}

// Config controls Processor behavior.
type Config struct {
	// Timeout bounds a single Process call. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Processor runs fetch, archive and touch for a work item.
type Processor struct {
	details catalog.DetailSource
	archive Archiver
	store   catalog.Store
	clock   catalog.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Processor.
func New(
	details catalog.DetailSource,
	archiver Archiver,
	store catalog.Store,
	clock catalog.Clock,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		details: details,
		archive: archiver,
		store:   store,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("processor"),
	}
}

// Process fetches the detail payload, archives it under today's key and
// records the processing time. The steps run in order and the first failure
// is returned without undoing earlier steps.
func (p *Processor) Process(ctx context.Context, item catalog.WorkItem) error {
	start := time.Now()
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	ctx, span := telemetry.Tracer("processor").Start(ctx, "process_item")
	defer span.End()
	span.SetAttributes(attribute.String("identifier", item.Name))

	rec, err := p.process(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("process %s exceeded %s: %w", item.Name, p.cfg.Timeout, err)
		}
		telemetry.ObserveItem(telemetry.StatusFailure, time.Since(start))
		p.logger.Warn("item failed", zap.String("identifier", item.Name), zap.Error(err))
		return err
	}

	telemetry.ObserveItem(telemetry.StatusSuccess, time.Since(start))
	p.logger.Info("item archived",
		zap.String("identifier", item.Name),
		zap.String("uri", rec.URI),
		zap.String("sha256", rec.SHA256),
		zap.Int("bytes", rec.Bytes),
	)
	return nil
}

func (p *Processor) process(ctx context.Context, item catalog.WorkItem) (archive.Record, error) {
	if err := catalog.ValidateName(item.Name); err != nil {
		return archive.Record{}, &catalog.FetchError{Target: item.Name, Err: err}
	}
	payload, err := p.details.FetchDetail(ctx, item.Name)
	if err != nil {
		return archive.Record{}, err
	}

	now := p.clock.Now().UTC()
	rec, err := p.archive.Write(ctx, item.Name, now, payload)
	if err != nil {
		return archive.Record{}, err
	}

	if err := p.store.TouchProcessed(ctx, item.Name, now); err != nil {
		return archive.Record{}, catalog.WrapStore("touch processed", err)
	}
	return rec, nil
}
