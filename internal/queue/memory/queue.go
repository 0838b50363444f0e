// Package memory provides an in-process work queue for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

// Config controls capacity, redelivery and consumer parallelism.
type Config struct {
	Capacity    int
	MaxAttempts int
	Workers     int
}

type envelope struct {
	item    catalog.WorkItem
	attempt int
}

// Queue is a bounded in-memory queue. A failed delivery is offered again
// until MaxAttempts is reached, after which it is parked as a dead letter.
type Queue struct {
	cfg    Config
	ch     chan envelope
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
	retries   sync.WaitGroup

	mu   sync.Mutex
	dead []catalog.WorkItem
}

// NewQueue constructs a queue from cfg, filling zero values with defaults.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		ch:     make(chan envelope, cfg.Capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Enqueue pushes an item onto the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item catalog.WorkItem) error {
	return q.push(ctx, envelope{item: item, attempt: 1})
}

func (q *Queue) push(ctx context.Context, env envelope) error {
	select {
	case <-q.done:
		return catalog.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return catalog.ErrQueueClosed
	case q.ch <- env:
		return nil
	}
}

// Consume runs cfg.Workers goroutines feeding handler until ctx ends or the
// queue is closed.
func (q *Queue) Consume(ctx context.Context, handler catalog.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, handler)
		}()
	}
	wg.Wait()
	q.retries.Wait()
	return nil
}

func (q *Queue) consumeLoop(ctx context.Context, handler catalog.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case env := <-q.ch:
			q.deliver(ctx, handler, env)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, handler catalog.Handler, env envelope) {
	err := handler(ctx, catalog.Delivery{Item: env.item, MessageID: env.item.ID, Attempt: env.attempt})
	if err == nil {
		return
	}
	if env.attempt >= q.cfg.MaxAttempts {
		q.mu.Lock()
		q.dead = append(q.dead, env.item)
		q.mu.Unlock()
		q.logger.Error("work item exhausted attempts",
			zap.String("name", env.item.Name),
			zap.Int("attempt", env.attempt),
			zap.Error(err),
		)
		return
	}
	next := envelope{item: env.item, attempt: env.attempt + 1}
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()
		if pushErr := q.push(ctx, next); pushErr != nil {
			q.logger.Warn("redelivery dropped",
				zap.String("name", next.item.Name),
				zap.Int("attempt", next.attempt),
				zap.Error(pushErr),
			)
		}
	}()
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// DeadLetters returns items that exhausted their attempts.
func (q *Queue) DeadLetters() []catalog.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]catalog.WorkItem(nil), q.dead...)
}

// Close stops consumers and rejects further enqueues. Buffered items are
// discarded. Closing twice is safe.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
