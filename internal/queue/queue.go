// Package queue implements the at-least-once queue abstraction (SPEC_FULL
// §4.1), grounded on pkg/queue/queue.go's Producer/Consumer contract and
// pkg/queue/consumer.go's Runner/RetryPolicy, but address this engine's
// domain envelope (internal/envelope.Envelope) directly instead of an
// opaque byte payload, and add the two concrete backends SPEC_FULL names:
// an in-memory bounded FIFO (memory.go) and a Redis Streams consumer-group
// backend (streams.go).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
)

// DeliveryTag identifies one in-flight delivery of a message on one queue.
type DeliveryTag string

var (
	ErrEmpty      = errors.New("queue: empty")
	ErrClosed     = errors.New("queue: closed")
	ErrUnknownTag = errors.New("queue: unknown delivery tag")
	ErrInvalid    = errors.New("queue: invalid")
	ErrOversize   = errors.New("queue: oversize")
)

// Delivery pairs a dequeued envelope with the opaque tag needed to
// Ack/Nack it.
type Delivery struct {
	Envelope envelope.Envelope
	Tag      DeliveryTag
}

// Queue is the contract every backend implements: publish, then a
// dequeue/ack/nack cycle per delivery (§4.1). Queues are created lazily on
// first reference by name.
type Queue interface {
	// Publish appends env to the named queue, creating it if necessary.
	Publish(ctx context.Context, name string, env envelope.Envelope) error

	// Dequeue returns ErrEmpty if nothing is available within pollTimeout.
	// The returned delivery must be Acked or Nacked exactly once.
	Dequeue(ctx context.Context, name string, pollTimeout, visibilityTimeout time.Duration) (Delivery, error)

	// Ack permanently removes a delivery. Acking an already-acked tag is a
	// safe no-op (invariant 4); acking an unknown tag is ErrUnknownTag.
	Ack(ctx context.Context, name string, tag DeliveryTag) error

	// Nack makes a delivery available for redelivery immediately; it does
	// not wait for the visibility timeout set at Dequeue time.
	Nack(ctx context.Context, name string, tag DeliveryTag) error

	// Depth reports the approximate number of envelopes pending in name.
	// No separate inspector interface exists; this is the only depth
	// observation point the queue layer offers.
	Depth(ctx context.Context, name string) (int, error)

	// Close releases backend resources (connections, goroutines).
	Close() error
}
