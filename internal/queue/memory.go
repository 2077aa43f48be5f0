package queue

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
)

// MemoryConfig mirrors config.MemoryQueueConfig without importing the
// config package, keeping this backend usable standalone in tests.
type MemoryConfig struct {
	MaxDepth int
}

type pendingEntry struct {
	env     envelope.Envelope
	elem    *list.Element // non-nil while also sitting in the ready list (never, post-dequeue)
	expires time.Time
}

type memoryQueue struct {
	mu      sync.Mutex
	notify  chan struct{}
	ready   *list.List // of envelope.Envelope
	pending map[DeliveryTag]*pendingEntry
	issued  map[DeliveryTag]struct{} // every tag this queue has ever handed out, for Ack's unknown-tag check
	maxLen  int
}

func newMemoryQueue(maxLen int) *memoryQueue {
	return &memoryQueue{
		notify:  make(chan struct{}, 1),
		ready:   list.New(),
		pending: map[DeliveryTag]*pendingEntry{},
		issued:  map[DeliveryTag]struct{}{},
		maxLen:  maxLen,
	}
}

func (q *memoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Memory is the in-process bounded-FIFO backend for §4.1, grounded on
// pkg/queue/queue.go's Producer/Consumer pair and pkg/queue/consumer.go's
// Runner loop, but collapsed into a single Queue implementation since this
// engine has no need for the teacher's separate producer/consumer split.
type Memory struct {
	cfg     MemoryConfig
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	closed  bool
	closeCh chan struct{}
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10000
	}
	return &Memory{cfg: cfg, queues: map[string]*memoryQueue{}, closeCh: make(chan struct{})}
}

func (m *Memory) queueFor(name string) *memoryQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newMemoryQueue(m.cfg.MaxDepth)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(ctx context.Context, name string, env envelope.Envelope) error {
	q := m.queueFor(name)
	q.mu.Lock()
	if q.ready.Len()+len(q.pending) >= q.maxLen {
		q.mu.Unlock()
		return ErrOversize
	}
	q.ready.PushBack(env)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, name string, pollTimeout, visibilityTimeout time.Duration) (Delivery, error) {
	q := m.queueFor(name)
	deadline := time.Now().Add(pollTimeout)
	for {
		q.reapExpired()
		q.mu.Lock()
		if front := q.ready.Front(); front != nil {
			env := q.ready.Remove(front).(envelope.Envelope)
			tag := DeliveryTag(newTag())
			q.pending[tag] = &pendingEntry{env: env, expires: time.Now().Add(visibilityTimeout)}
			q.issued[tag] = struct{}{}
			q.mu.Unlock()
			return Delivery{Envelope: env, Tag: tag}, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Delivery{}, ErrEmpty
		}
		wait := remaining
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.notify:
		case <-time.After(wait):
		}
	}
}

func (q *memoryQueue) reapExpired() {
	q.mu.Lock()
	now := time.Now()
	var expired []DeliveryTag
	for tag, p := range q.pending {
		if now.After(p.expires) {
			expired = append(expired, tag)
		}
	}
	for _, tag := range expired {
		p := q.pending[tag]
		delete(q.pending, tag)
		q.ready.PushBack(p.env)
	}
	q.mu.Unlock()
	if len(expired) > 0 {
		q.wake()
	}
}

func (m *Memory) Ack(ctx context.Context, name string, tag DeliveryTag) error {
	q := m.queueFor(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[tag]; ok {
		delete(q.pending, tag)
		return nil
	}
	if _, ok := q.issued[tag]; ok {
		return nil // already acked (or redelivered under a new tag): safe no-op per invariant 4
	}
	return ErrUnknownTag
}

func (m *Memory) Nack(ctx context.Context, name string, tag DeliveryTag) error {
	q := m.queueFor(name)
	q.mu.Lock()
	p, ok := q.pending[tag]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownTag
	}
	delete(q.pending, tag)
	q.ready.PushBack(p.env)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (m *Memory) Depth(ctx context.Context, name string) (int, error) {
	q := m.queueFor(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.pending), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

func newTag() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
