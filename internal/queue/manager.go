package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhealth/interop-engine/internal/config"
	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/metrics"
)

// Manager wraps a backend Queue with the metrics observations every
// caller needs (queue depth, publish/ack/nack counters), so stages never
// touch prometheus directly — grounded on pkg/queue/consumer.go's Runner,
// which folds the same bookkeeping into its workerLoop.
type Manager struct {
	backend Queue
	metrics *metrics.Registry
}

// NewManager builds the backend selected by cfg.Queues.Type ("memory" or
// "streams") and wraps it for metrics observation.
func NewManager(cfg config.QueuesConfig, reg *metrics.Registry) (*Manager, error) {
	var backend Queue
	switch cfg.Type {
	case "", "memory":
		backend = NewMemory(MemoryConfig{MaxDepth: cfg.Memory.MaxSize})
	case "streams", "redis":
		backend = NewStreams(StreamsConfig{
			Addr:         fmt.Sprintf("%s:%d", cfg.Streams.Host, cfg.Streams.Port),
			Password:     cfg.Streams.Password,
			DB:           cfg.Streams.DB,
			MaxLenApprox: cfg.Streams.MaxLenApprox,
		})
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Type)
	}
	return &Manager{backend: backend, metrics: reg}, nil
}

// NewManagerWithBackend wraps an already-constructed backend (tests, or a
// Streams built against miniredis via NewStreamsWithClient).
func NewManagerWithBackend(backend Queue, reg *metrics.Registry) *Manager {
	return &Manager{backend: backend, metrics: reg}
}

// Publish appends env to the named queue and records the publish/depth
// metrics in one call, so every producer (listeners, stages re-publishing
// downstream) gets observability for free.
func (m *Manager) Publish(ctx context.Context, name string, env envelope.Envelope) error {
	if err := m.backend.Publish(ctx, name, env); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.QueuePublished.WithLabelValues(name).Inc()
		m.observeDepth(ctx, name)
	}
	return nil
}

// Dequeue delegates to the backend; callers Ack/Nack through this Manager
// (not the raw backend) so those outcomes are also observed.
func (m *Manager) Dequeue(ctx context.Context, name string, pollTimeout, visibilityTimeout time.Duration) (Delivery, error) {
	d, err := m.backend.Dequeue(ctx, name, pollTimeout, visibilityTimeout)
	if err == nil && m.metrics != nil {
		m.observeDepth(ctx, name)
	}
	return d, err
}

func (m *Manager) Ack(ctx context.Context, name string, tag DeliveryTag) error {
	err := m.backend.Ack(ctx, name, tag)
	if err == nil && m.metrics != nil {
		m.metrics.QueueAcked.WithLabelValues(name).Inc()
		m.observeDepth(ctx, name)
	}
	return err
}

func (m *Manager) Nack(ctx context.Context, name string, tag DeliveryTag) error {
	err := m.backend.Nack(ctx, name, tag)
	if err == nil && m.metrics != nil {
		m.metrics.QueueNacked.WithLabelValues(name).Inc()
		m.observeDepth(ctx, name)
	}
	return err
}

// DeadLetter publishes env to deadLetterQueue and records the dead-letter
// metric, then acks the original delivery on sourceQueue so it is not
// also redelivered there.
func (m *Manager) DeadLetter(ctx context.Context, sourceQueue string, tag DeliveryTag, deadLetterQueue string, env envelope.Envelope) error {
	if err := m.backend.Publish(ctx, deadLetterQueue, env); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.QueueDeadLettered.WithLabelValues(deadLetterQueue).Inc()
	}
	return m.backend.Ack(ctx, sourceQueue, tag)
}

func (m *Manager) Depth(ctx context.Context, name string) (int, error) {
	return m.backend.Depth(ctx, name)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) observeDepth(ctx context.Context, name string) {
	depth, err := m.backend.Depth(ctx, name)
	if err != nil {
		return
	}
	m.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
}

// PollInterval is how often a stage's dequeue loop should retry Dequeue
// after an ErrEmpty before checking its stop signal, matching the
// teacher's Runner poll cadence.
const PollInterval = 250 * time.Millisecond
