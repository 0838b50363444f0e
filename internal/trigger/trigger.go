// Package trigger runs the periodic pipeline procedures on cron schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// Func is a periodic procedure. Its error is logged and counted; the next
// tick is the retry.
type Func func(ctx context.Context) error

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is an accepted schedule. Both five-field and
// six-field (leading seconds) expressions are accepted, as are descriptors
// such as "@daily".
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}

// Runner owns a cron instance and the procedures registered on it.
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.RWMutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New constructs a Runner evaluating schedules in UTC.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Register schedules fn under name. Names must be unique.
func (r *Runner) Register(name, spec string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("trigger %s: function is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("trigger %s already registered", name)
	}
	id, err := r.cron.AddFunc(spec, func() { r.fire(name, fn) })
	if err != nil {
		return fmt.Errorf("register trigger %s: %w", name, err)
	}
	r.entries[name] = id
	r.logger.Info("trigger registered", zap.String("trigger", name), zap.String("schedule", spec))
	return nil
}

// Next returns the next activation time of the named trigger.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.RLock()
	id, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	entry := r.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if !entry.Next.IsZero() {
		return entry.Next, true
	}
	return entry.Schedule.Next(time.Now().UTC()), true
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running procedures to return.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("trigger runner started")
	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("trigger runner stopped")
	return nil
}

func (r *Runner) fire(name string, fn Func) {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx.Err() != nil {
		telemetry.ObserveTrigger(name, telemetry.StatusSkipped, 0)
		return
	}

	start := time.Now()
	r.logger.Info("trigger fired", zap.String("trigger", name))
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		telemetry.ObserveTrigger(name, telemetry.StatusFailure, elapsed)
		if errors.Is(err, context.Canceled) {
			r.logger.Warn("trigger canceled", zap.String("trigger", name), zap.Duration("elapsed", elapsed))
			return
		}
		r.logger.Error("trigger failed", zap.String("trigger", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	telemetry.ObserveTrigger(name, telemetry.StatusSuccess, elapsed)
	r.logger.Info("trigger completed", zap.String("trigger", name), zap.Duration("elapsed", elapsed))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
