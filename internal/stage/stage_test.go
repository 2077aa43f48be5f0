package stage

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/queue"
)

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	return queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 100}), nil)
}

func waitForDepth(t *testing.T, qm *queue.Manager, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if depth, err := qm.Depth(context.Background(), name); err == nil && depth == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for queue %q to reach depth %d", name, want)
}

func TestStageSuccessPublishesToOutputAndAcks(t *testing.T) {
	qm := newTestManager(t)
	st, err := New(Config{
		Name:         "echo",
		InputQueue:   "in",
		OutputQueues: []string{"out"},
		PollTimeout:  50 * time.Millisecond,
		Process: func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
			return []envelope.Envelope{env}, nil
		},
		Queues: qm,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Stop(context.Background())

	if err := qm.Publish(context.Background(), "in", envelope.New("t", "application/json", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForDepth(t, qm, "out", 1)
	waitForDepth(t, qm, "in", 0)
}

func TestStageRetryableErrorRequeuesUntilExhausted(t *testing.T) {
	qm := newTestManager(t)
	attempts := 0
	st, err := New(Config{
		Name:              "flaky",
		InputQueue:        "in",
		DefaultErrorQueue: "dead",
		PollTimeout:       50 * time.Millisecond,
		Retry:             queue.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Process: func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
			attempts++
			return nil, errs.New("flaky", errs.TransportError, "boom", nil)
		},
		Queues: qm,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Stop(context.Background())

	if err := qm.Publish(context.Background(), "in", envelope.New("t", "application/json", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForDepth(t, qm, "dead", 1)
	if attempts < 2 {
		t.Fatalf("expected at least 2 process attempts before dead-lettering, got %d", attempts)
	}
}

func TestStageNonRetryableErrorDeadLettersImmediately(t *testing.T) {
	qm := newTestManager(t)
	st, err := New(Config{
		Name:        "validator",
		InputQueue:  "in",
		PollTimeout: 50 * time.Millisecond,
		Process: func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
			return nil, errs.New("validator", errs.ValidationError, "missing PID", nil)
		},
		Queues: qm,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer st.Stop(context.Background())

	if err := qm.Publish(context.Background(), "in", envelope.New("t", "application/json", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForDepth(t, qm, "validation_errors", 1)
}

func TestNewRequiresProcessFunc(t *testing.T) {
	qm := newTestManager(t)
	if _, err := New(Config{Name: "x", InputQueue: "in", Queues: qm}); err == nil {
		t.Fatalf("expected an error when Process is nil")
	}
}

func TestStartTwiceErrors(t *testing.T) {
	qm := newTestManager(t)
	st, err := New(Config{
		Name:       "x",
		InputQueue: "in",
		Process:    func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) { return nil, nil },
		Queues:     qm,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer st.Stop(context.Background())
	if err := st.Start(ctx); err == nil {
		t.Fatalf("expected an error starting an already-running stage")
	}
}
