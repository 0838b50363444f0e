// Package rabbitmq carries work items over an AMQP 0-9-1 broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/codec"
)

// Config controls queue topology and delivery behaviour.
type Config struct {
	URL                string
	QueueName          string
	Prefetch           int
	MaxAttempts        int
	DeadLetterExchange string
}

// channel is the subset of *amqp.Channel the queue uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Queue publishes on one channel and consumes on another so a slow consumer
// never blocks producers.
type Queue struct {
	cfg     Config
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pub     channel
	sub     channel
	logger  *zap.Logger
	closeMu sync.Once
}

// Dial connects to the broker and declares the work queue.
func Dial(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	q, err := newQueue(cfg, pub, sub, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newQueue(cfg Config, pub, sub channel, logger *zap.Logger) (*Queue, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Quorum queues stamp x-delivery-count on redeliveries, which the
	// attempt budget depends on.
	args := amqp.Table{"x-queue-type": "quorum"}
	if cfg.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
	}
	if _, err := pub.QueueDeclare(cfg.QueueName, true, false, false, false, args); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", cfg.QueueName, err)
	}
	if cfg.Prefetch > 0 {
		if err := sub.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return &Queue{cfg: cfg, pub: pub, sub: sub, logger: logger}, nil
}

// Enqueue publishes item as a persistent message.
func (q *Queue) Enqueue(ctx context.Context, item catalog.WorkItem) error {
	body, err := codec.Encode(item)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  codec.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    item.ID,
		Timestamp:    item.EnqueuedAt,
		Body:         body,
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.PublishWithContext(ctx, "", q.cfg.QueueName, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", item.Name, err)
	}
	return nil
}

// Consume delivers messages to handler until ctx ends or the broker closes
// the delivery channel. Up to Prefetch deliveries are handled concurrently.
func (q *Queue) Consume(ctx context.Context, handler catalog.Handler) error {
	deliveries, err := q.sub.Consume(q.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.QueueName, err)
	}
	workers := q.cfg.Prefetch
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return catalog.ErrQueueClosed
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return nil
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, handler, d)
			}(d)
		}
	}
}

func (q *Queue) handle(ctx context.Context, handler catalog.Handler, d amqp.Delivery) {
	item, err := codec.Decode(d.Body)
	if err != nil {
		q.logger.Error("rejecting malformed work item", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Reject(false)
		return
	}
	if item.ID == "" {
		item.ID = d.MessageId
	}
	attempt, counted := deliveryAttempt(d)
	herr := handler(ctx, catalog.Delivery{Item: item, MessageID: d.MessageId, Attempt: attempt})
	switch {
	case herr == nil:
		err = d.Ack(false)
	case attempt >= q.cfg.MaxAttempts, d.Redelivered && !counted:
		// A redelivery without a counter comes from a queue that does not
		// track attempts; requeueing it again could loop forever.
		q.logger.Warn("dead-lettering work item",
			zap.String("identifier", item.Name),
			zap.Int("attempt", attempt),
			zap.Error(herr),
		)
		err = d.Reject(false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		q.logger.Error("settle delivery", zap.String("identifier", item.Name), zap.Error(err))
	}
}

// deliveryAttempt prefers the quorum-queue delivery counter and falls back to
// the redelivered flag. counted reports whether the broker supplied the
// counter.
func deliveryAttempt(d amqp.Delivery) (attempt int, counted bool) {
	if d.Headers != nil {
		switch v := d.Headers["x-delivery-count"].(type) {
		case int64:
			return int(v) + 1, true
		case int32:
			return int(v) + 1, true
		case int:
			return v + 1, true
		}
	}
	if d.Redelivered {
		return 2, false
	}
	return 1, false
}

// Close shuts both channels and the connection.
func (q *Queue) Close() error {
	var errs []error
	q.closeMu.Do(func() {
		q.pubMu.Lock()
		defer q.pubMu.Unlock()
		if err := q.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		if err := q.sub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		if q.conn != nil {
			if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

