package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrUnavailable is returned when the queue backend cannot be reached after
// its internal retry budget.
var ErrUnavailable = errors.New("queue unavailable")

// ErrUnknownReceipt is returned for an ack/nack whose delivery is no longer
// outstanding, e.g. after its visibility window expired.
var ErrUnknownReceipt = errors.New("unknown receipt")

// Item is one unit of ready work. Items are FIFO per routing key; there is
// no ordering guarantee across routing keys.
type Item struct {
	TaskID     string    `json:"task_id"`
	RoutingKey string    `json:"routing_key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// Delivery is a borrowed item. The worker owns it until the visibility
// deadline; an unacknowledged delivery is redelivered after that.
type Delivery struct {
	Item
	Receipt            string
	VisibilityDeadline time.Time
}

// Queue is the task queue contract: FIFO per routing key, at-least-once
// delivery, visibility timeout, explicit ack/nack, bounded retries and
// dead-lettering past the limit. Enqueue is durable.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error

	// Claim blocks until an item with the routing key is available or ctx
	// is done.
	Claim(ctx context.Context, routingKey string, visibility time.Duration) (*Delivery, error)

	Ack(ctx context.Context, receipt string) error

	// Nack returns the item to its queue after backoff, or dead-letters it
	// once the routing key's retry limit is exhausted.
	Nack(ctx context.Context, receipt string, backoff time.Duration) error

	// Extend pushes out the visibility deadline of an outstanding delivery.
	Extend(ctx context.Context, receipt string, visibility time.Duration) error

	Close() error
}
