// Package synchronizer mirrors the remote catalog into the catalog store.
package synchronizer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// Result summarises one sync cycle.
type Result struct {
	Fetched  int
	Inserted int
}

// Synchronizer fetches the remote list, stages it and merges new identifiers.
type Synchronizer struct {
	source catalog.CatalogSource
	store  catalog.Store
	logger *zap.Logger
}

// New constructs a Synchronizer.
func New(source catalog.CatalogSource, store catalog.Store, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{source: source, store: store, logger: logger.Named("synchronizer")}
}

// Run performs one cycle. The remote list is fetched before any store work so
// a fetch failure commits nothing. Existing rows are never modified.
func (s *Synchronizer) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	ctx, span := telemetry.Tracer("synchronizer").Start(ctx, "sync_catalog")
	defer span.End()

	names, err := s.source.FetchCatalog(ctx)
	if err != nil {
		telemetry.ObserveSync(telemetry.StatusFailure, 0, 0)
		span.RecordError(err)
		s.logger.Error("fetch catalog failed", zap.Error(err))
		return res, err
	}
	res.Fetched = len(names)

	if err := s.apply(ctx, names, &res); err != nil {
		telemetry.ObserveSync(telemetry.StatusFailure, res.Fetched, 0)
		span.RecordError(err)
		s.logger.Error("sync cycle failed", zap.Int("fetched", res.Fetched), zap.Error(err))
		return res, err
	}

	telemetry.ObserveSync(telemetry.StatusSuccess, res.Fetched, int64(res.Inserted))
	s.logger.Info("sync cycle complete",
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (s *Synchronizer) apply(ctx context.Context, names []string, res *Result) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return catalog.WrapStore("ensure schema", err)
	}
	if err := s.store.Stage(ctx, names); err != nil {
		return catalog.WrapStore("stage", err)
	}
	inserted, err := s.store.Merge(ctx)
	if err != nil {
		return catalog.WrapStore("merge", err)
	}
	res.Inserted = int(inserted)

	// Catalog size is informational; a failed count does not fail the cycle.
	if rows, err := s.store.List(ctx); err == nil {
		telemetry.SetCatalogSize(len(rows))
	}
	return nil
}
