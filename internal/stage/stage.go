// Package stage implements the pipeline stage worker lifecycle (SPEC_FULL
// §4.3): stopped/starting/running/stopping, a dequeue/process/ack-or-retry
// loop per worker goroutine, and graceful drain on Stop. Grounded on
// pkg/queue/consumer.go's Runner/workerLoop state machine, generalized
// from an opaque Handler over DequeueResult to a typed
// ProcessFunc over an envelope.Envelope, and from the teacher's
// RetryDecision-per-handler-error model to the spec's Kind-driven
// errs.Policy lookup.
package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
	"github.com/meridianhealth/interop-engine/internal/queue"
)

// State is a point in the stage worker lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ProcessFunc is a stage's domain logic: given one envelope, produce zero
// or more outbound envelopes (zero for a terminal sink, more than one for
// a fan-out like Bundle-unwrap) or an error classified via errs.KindOf.
type ProcessFunc func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error)

// Config wires one stage instance.
type Config struct {
	Name              string
	InputQueue        string
	OutputQueues      []string // envelopes Process returns are published to every one of these
	DefaultErrorQueue string   // used when errs.PolicyFor(kind).DeadLetter is empty
	Concurrency       int
	PollTimeout       time.Duration
	VisibilityTimeout time.Duration
	Retry             queue.RetryPolicy

	Process ProcessFunc
	Queues  *queue.Manager
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Stage runs Config.Concurrency worker goroutines pulling from InputQueue.
type Stage struct {
	cfg Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and returns a Stage in state stopped.
func New(cfg Config) (*Stage, error) {
	if cfg.Name == "" {
		return nil, errors.New("stage: name required")
	}
	if cfg.InputQueue == "" {
		return nil, errors.New("stage: input queue required")
	}
	if cfg.Process == nil {
		return nil, errors.New("stage: process func required")
	}
	if cfg.Queues == nil {
		return nil, errors.New("stage: queue manager required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Retry == (queue.RetryPolicy{}) {
		cfg.Retry = queue.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Stage{cfg: cfg, state: StateStopped}, nil
}

func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the worker goroutines. It returns once they have all
// transitioned to running; callers wait on Stop (or ctx cancellation) for
// completion.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return errors.New("stage: " + s.cfg.Name + " already started")
	}
	s.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.workerLoop(runCtx, workerID)
		}(i + 1)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

// Stop signals every worker to finish its in-flight delivery and exit,
// then blocks until they do or ctx expires (graceful drain).
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return ctx.Err()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

func (s *Stage) workerLoop(ctx context.Context, workerID int) {
	log := s.cfg.Logger.With(logging.String("stage", s.cfg.Name), logging.Int("worker", workerID))
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := s.cfg.Queues.Dequeue(ctx, s.cfg.InputQueue, s.cfg.PollTimeout, s.cfg.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error("dequeue error", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		s.handle(ctx, log, delivery)
	}
}

func (s *Stage) handle(ctx context.Context, log *logging.Logger, delivery queue.Delivery) {
	start := time.Now()
	out, procErr := s.cfg.Process(ctx, delivery.Envelope)
	dur := time.Since(start)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageDuration.WithLabelValues(s.cfg.Name).Observe(dur.Seconds())
	}

	if procErr == nil {
		s.onSuccess(ctx, log, delivery, out)
		return
	}
	s.onError(ctx, log, delivery, procErr)
}

func (s *Stage) onSuccess(ctx context.Context, log *logging.Logger, delivery queue.Delivery, out []envelope.Envelope) {
	for _, o := range out {
		for _, q := range s.cfg.OutputQueues {
			if err := s.cfg.Queues.Publish(ctx, q, o); err != nil {
				log.Error("publish to output queue failed", logging.String("queue", q), logging.Err(err))
			}
		}
	}
	if err := s.cfg.Queues.Ack(ctx, s.cfg.InputQueue, delivery.Tag); err != nil {
		log.Error("ack failed", logging.Err(err))
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageProcessed.WithLabelValues(s.cfg.Name, "success").Inc()
	}
}

func (s *Stage) onError(ctx context.Context, log *logging.Logger, delivery queue.Delivery, procErr error) {
	kind := errs.KindOf(procErr)
	policy := errs.PolicyFor(kind)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StageProcessed.WithLabelValues(s.cfg.Name, "error").Inc()
		s.cfg.Metrics.StageErrors.WithLabelValues(s.cfg.Name, string(kind)).Inc()
	}

	env := delivery.Envelope
	env.AppendError(s.cfg.Name, string(kind), procErr.Error())

	retryable := policy.Retryable || policy.RetryOnce
	exhausted := s.cfg.Retry.Exhausted(env.Header.RetryCount) || (policy.RetryOnce && env.Header.RetryCount > 0)

	if retryable && !exhausted {
		delay := s.cfg.Retry.BackoffFor(env.Header.MessageID, env.Header.RetryCount)
		select {
		case <-ctx.Done():
			// Stopping: hand the delivery back instead of re-publishing.
			_ = s.cfg.Queues.Nack(context.Background(), s.cfg.InputQueue, delivery.Tag)
			return
		case <-time.After(delay):
		}
		env.Requeue()
		if err := s.cfg.Queues.Publish(ctx, s.cfg.InputQueue, env); err != nil {
			log.Error("requeue publish failed", logging.Err(err))
		}
		if err := s.cfg.Queues.Ack(ctx, s.cfg.InputQueue, delivery.Tag); err != nil {
			log.Error("ack of requeued delivery failed", logging.Err(err))
		}
		log.Warn("envelope requeued for retry",
			logging.String("kind", string(kind)),
			logging.Int("retry_count", env.Header.RetryCount))
		return
	}

	env.AppendError(s.cfg.Name, string(kind), "dead-lettered: "+policy.Description)
	_ = env.Advance(envelope.StatusFailed)
	dlq := policy.DeadLetter
	if dlq == "" {
		dlq = s.cfg.DefaultErrorQueue
	}
	if dlq == "" {
		log.Error("no dead-letter queue configured, dropping after nack",
			logging.String("kind", string(kind)))
		_ = s.cfg.Queues.Nack(ctx, s.cfg.InputQueue, delivery.Tag)
		return
	}
	if err := s.cfg.Queues.DeadLetter(ctx, s.cfg.InputQueue, delivery.Tag, dlq, env); err != nil {
		log.Error("dead-letter publish failed", logging.Err(err))
		_ = s.cfg.Queues.Nack(ctx, s.cfg.InputQueue, delivery.Tag)
	}
}
