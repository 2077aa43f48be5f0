package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianhealth/interop-engine/internal/envelope"
)

// StreamsConfig mirrors config.StreamsQueueConfig, grounded on
// original_source's RedisQueue (XADD maxlen=10000 approximate=True,
// XGROUP CREATE mkstream=True) and on pithecene-io-quarry's redis.go for
// the client construction and retry shape.
type StreamsConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string
	ConsumerName  string
	MaxLenApprox  int64
}

// Streams is the Redis Streams consumer-group backend for §4.1. Each
// named queue maps to one Redis stream key; ConsumerGroup reads the same
// group across every process so at most one worker holds a given
// delivery's PEL entry at a time.
type Streams struct {
	client *redis.Client
	cfg    StreamsConfig

	groupsMu sync.Mutex
	groups   map[string]bool
}

func NewStreams(cfg StreamsConfig) *Streams {
	if cfg.MaxLenApprox <= 0 {
		cfg.MaxLenApprox = 10000
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "interop"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-" + newTag()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Streams{client: client, cfg: cfg, groups: map[string]bool{}}
}

// NewStreamsWithClient wires a pre-built client in place of the one
// NewStreams constructs.
func NewStreamsWithClient(client *redis.Client, cfg StreamsConfig) *Streams {
	s := NewStreams(cfg)
	s.client = client
	return s
}

func (s *Streams) ensureGroup(ctx context.Context, stream string) error {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if s.groups[stream] {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, s.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	s.groups[stream] = true
	return nil
}

func (s *Streams) Publish(ctx context.Context, name string, env envelope.Envelope) error {
	if err := s.ensureGroup(ctx, name); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		MaxLen: s.cfg.MaxLenApprox,
		Approx: true,
		Values: map[string]any{"envelope": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: xadd: %w", err)
	}
	return nil
}

// streamTag encodes the stream name into the delivery tag since Ack/Nack
// need it but the Queue interface only carries the logical queue name
// (which IS the stream name here, so this is mostly documentation of
// intent — kept distinct in case queue name and stream key ever diverge).
func streamTag(id string) DeliveryTag { return DeliveryTag(id) }

func (s *Streams) Dequeue(ctx context.Context, name string, pollTimeout, visibilityTimeout time.Duration) (Delivery, error) {
	if err := s.ensureGroup(ctx, name); err != nil {
		return Delivery{}, err
	}

	if d, ok, err := s.reclaimOne(ctx, name, visibilityTimeout); err != nil {
		return Delivery{}, err
	} else if ok {
		return d, nil
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.ConsumerGroup,
		Consumer: s.cfg.ConsumerName,
		Streams:  []string{name, ">"},
		Count:    1,
		Block:    pollTimeout,
	}).Result()
	if err == redis.Nil {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("queue: xreadgroup: %w", err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			env, decErr := decodeEnvelope(msg.Values)
			if decErr != nil {
				// Malformed entry: ack it so it doesn't wedge the stream
				// and surface nothing for this poll.
				_ = s.client.XAck(ctx, name, s.cfg.ConsumerGroup, msg.ID).Err()
				continue
			}
			return Delivery{Envelope: env, Tag: streamTag(msg.ID)}, nil
		}
	}
	return Delivery{}, ErrEmpty
}

// reclaimOne looks for one PEL entry idle longer than visibilityTimeout
// and claims it for this consumer, implementing redelivery-on-timeout
// without a separate sweeper goroutine.
func (s *Streams) reclaimOne(ctx context.Context, name string, visibilityTimeout time.Duration) (Delivery, bool, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   name,
		Group:    s.cfg.ConsumerGroup,
		Consumer: s.cfg.ConsumerName,
		MinIdle:  visibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, fmt.Errorf("queue: xautoclaim: %w", err)
	}
	for _, msg := range msgs {
		env, decErr := decodeEnvelope(msg.Values)
		if decErr != nil {
			_ = s.client.XAck(ctx, name, s.cfg.ConsumerGroup, msg.ID).Err()
			continue
		}
		return Delivery{Envelope: env, Tag: streamTag(msg.ID)}, true, nil
	}
	return Delivery{}, false, nil
}

func decodeEnvelope(values map[string]any) (envelope.Envelope, error) {
	raw, ok := values["envelope"]
	if !ok {
		return envelope.Envelope{}, ErrInvalid
	}
	s, ok := raw.(string)
	if !ok {
		return envelope.Envelope{}, ErrInvalid
	}
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return env, nil
}

func (s *Streams) Ack(ctx context.Context, name string, tag DeliveryTag) error {
	n, err := s.client.XAck(ctx, name, s.cfg.ConsumerGroup, string(tag)).Result()
	if err != nil {
		return fmt.Errorf("queue: xack: %w", err)
	}
	if n > 0 {
		return nil
	}
	// n == 0 means either the entry was already acked (safe no-op, invariant
	// 4) or this ID was never issued by the stream at all (an error). XAck
	// alone can't tell the two apart, so check whether the ID still exists
	// in the stream's log to distinguish "no longer pending" from "unknown".
	entries, err := s.client.XRange(ctx, name, string(tag), string(tag)).Result()
	if err != nil {
		return fmt.Errorf("queue: xrange: %w", err)
	}
	if len(entries) == 0 {
		return ErrUnknownTag
	}
	return nil
}

// Nack makes tag immediately reclaimable by resetting its idle time to
// exceed any plausible visibility timeout, rather than waiting out the
// original window.
func (s *Streams) Nack(ctx context.Context, name string, tag DeliveryTag) error {
	err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   name,
		Group:    s.cfg.ConsumerGroup,
		Consumer: s.cfg.ConsumerName,
		MinIdle:  0,
		Messages: []string{string(tag)},
		Idle:     24 * time.Hour,
	}).Err()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("queue: xclaim: %w", err)
	}
	return nil
}

// Depth reports the stream length (XLEN). Acked entries stay in the stream
// until MAXLEN trimming removes them, so they are still counted.
func (s *Streams) Depth(ctx context.Context, name string) (int, error) {
	n, err := s.client.XLen(ctx, name).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: xlen: %w", err)
	}
	return int(n), nil
}

func (s *Streams) Close() error {
	return s.client.Close()
}
