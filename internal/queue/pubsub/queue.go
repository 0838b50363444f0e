// Package pubsub carries work items over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/codec"
)

type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	Stop()
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// topicPublisher adapts *pubsub.Publisher, whose Publish returns a future.
type topicPublisher struct {
	p *pubsub.Publisher
}

func (t topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.p.Publish(ctx, msg).Get(ctx)
}

func (t topicPublisher) Stop() { t.p.Stop() }

// Config names the topic and subscription.
type Config struct {
	TopicName        string
	SubscriptionName string
	Concurrency      int
}

// Queue publishes work items to a topic and consumes them from a
// subscription. Redelivery and dead-lettering follow the subscription's
// retry and dead-letter policies.
type Queue struct {
	publisher publisher
	receiver  receiver
	logger    *zap.Logger
}

// New builds a Queue from a Pub/Sub client. SubscriptionName may be empty for
// producer-only processes.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicName == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	var recv receiver
	if cfg.SubscriptionName != "" {
		sub := client.Subscriber(cfg.SubscriptionName)
		if cfg.Concurrency > 0 {
			sub.ReceiveSettings.MaxOutstandingMessages = cfg.Concurrency
		}
		recv = sub
	}
	return newQueue(topicPublisher{p: client.Publisher(cfg.TopicName)}, recv, logger), nil
}

func newQueue(p publisher, r receiver, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{publisher: p, receiver: r, logger: logger}
}

// Enqueue publishes item and waits for the server acknowledgement. The
// current trace context travels in the message attributes.
func (q *Queue) Enqueue(ctx context.Context, item catalog.WorkItem) error {
	data, err := codec.Encode(item)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"identifier": item.Name},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := q.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Consume receives messages until ctx ends. A handler error nacks the
// message so Pub/Sub redelivers it.
func (q *Queue) Consume(ctx context.Context, handler catalog.Handler) error {
	if q.receiver == nil {
		return fmt.Errorf("pubsub subscription is not configured")
	}
	err := q.receiver.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if q.handle(ctx, handler, msg) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// handle reports whether msg should be acknowledged. Undecodable payloads are
// acknowledged and dropped since redelivery cannot fix them.
func (q *Queue) handle(ctx context.Context, handler catalog.Handler, msg *pubsub.Message) bool {
	item, err := codec.Decode(msg.Data)
	if err != nil {
		q.logger.Error("dropping malformed work item", zap.String("message_id", msg.ID), zap.Error(err))
		return true
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: msg.Attributes})

	attempt := 1
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt
	}
	if item.ID == "" {
		item.ID = msg.ID
	}
	if item.EnqueuedAt.IsZero() && !msg.PublishTime.IsZero() {
		item.EnqueuedAt = msg.PublishTime.UTC().Truncate(time.Millisecond)
	}
	return handler(ctx, catalog.Delivery{Item: item, MessageID: msg.ID, Attempt: attempt}) == nil
}

// Close flushes pending publishes.
func (q *Queue) Close() error {
	q.publisher.Stop()
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
