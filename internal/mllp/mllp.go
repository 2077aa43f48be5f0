// Package mllp implements the MLLP/TCP listener (SPEC_FULL §4.3): a VT/FS/CR
// framing state machine, MSH-derived ACK/NAK synthesis, and one goroutine
// per accepted connection. The teacher has no binary-protocol listener to
// ground this on directly; the framing and ACK semantics are grounded on
// original_source/integration_engine/services/input/hl7v2_listener.py's
// _handle_mllp_connection, and the goroutine-per-connection/WaitGroup
// shape follows this codebase's general per-request-goroutine idiom (seen
// in services/connector-hub/internal/connectors/http_rest.go).
package mllp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/hl7"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
	"github.com/meridianhealth/interop-engine/internal/queue"
)

const (
	startBlock byte = 0x0B // VT
	endBlock1  byte = 0x1C // FS
	endBlock2  byte = 0x0D // CR
)

// Config wires one MLLP listener instance.
type Config struct {
	Name            string
	Host            string
	Port            int
	BufferSize      int
	OutputQueue     string
	MessageDeadline time.Duration // per-message read deadline; 0 disables

	Queues  *queue.Manager
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Listener accepts MLLP connections and publishes framed HL7 payloads to
// OutputQueue, replying with an ACK or NAK per connection.
type Listener struct {
	cfg Config
	ln  net.Listener
	wg  sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

func New(cfg Config) (*Listener, error) {
	if cfg.Queues == nil {
		return nil, fmt.Errorf("mllp: queue manager required")
	}
	if cfg.OutputQueue == "" {
		return nil, fmt.Errorf("mllp: output queue required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MessageDeadline <= 0 {
		cfg.MessageDeadline = 60 * time.Second
	}
	return &Listener{cfg: cfg}, nil
}

// Start binds the listening socket and begins accepting connections in a
// background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mllp: listen %s: %w", addr, err)
	}
	l.ln = ln
	l.cfg.Logger.Info("mllp listener started", logging.String("addr", addr))

	l.wg.Add(1)
	go l.acceptLoop(ctx)
	return nil
}

// Stop closes the listening socket and waits (up to ctx's deadline) for
// in-flight connection handlers to drain.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	if l.ln != nil {
		_ = l.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing || ctx.Err() != nil {
				return
			}
			l.cfg.Logger.Error("mllp accept error", logging.Err(err))
			continue
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.MLLPConnections.WithLabelValues(l.cfg.Name).Inc()
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer conn.Close()
			if l.cfg.Metrics != nil {
				defer l.cfg.Metrics.MLLPConnections.WithLabelValues(l.cfg.Name).Dec()
			}
			l.handleConn(ctx, conn)
		}()
	}
}

// frameState is the VT/FS/CR parser's position per SPEC_FULL §4.3.
type frameState int

const (
	stateIdle frameState = iota
	stateReadingPayload
	stateExpectCR
)

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := l.cfg.Logger.With(logging.String("remote", remote))
	r := bufio.NewReaderSize(conn, l.cfg.BufferSize)

	for {
		if ctx.Err() != nil {
			return
		}
		if l.cfg.MessageDeadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.cfg.MessageDeadline))
		}
		payload, err := readFrame(r)
		if err != nil {
			if err != errProtocol {
				log.Info("mllp connection closed", logging.Err(err))
			} else {
				log.Warn("mllp protocol error, closing connection")
			}
			return
		}

		ackOrNak := l.processMessage(ctx, remote, payload)
		if _, err := conn.Write(frame(ackOrNak)); err != nil {
			log.Error("mllp write failed", logging.Err(err))
			return
		}
	}
}

var errProtocol = fmt.Errorf("mllp: protocol error")

// readFrame drives the IDLE -> READING_PAYLOAD -> EXPECT_CR state machine
// over r, returning one message payload (the bytes strictly between VT and
// FS) or errProtocol if CR did not follow FS.
func readFrame(r *bufio.Reader) ([]byte, error) {
	state := stateIdle
	var payload []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch state {
		case stateIdle:
			if b == startBlock {
				state = stateReadingPayload
				payload = payload[:0]
			}
			// else: discard, remain IDLE
		case stateReadingPayload:
			if b == endBlock1 {
				state = stateExpectCR
				continue
			}
			payload = append(payload, b)
		case stateExpectCR:
			if b == endBlock2 {
				return payload, nil
			}
			return nil, errProtocol
		}
	}
}

func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, startBlock)
	out = append(out, payload...)
	out = append(out, endBlock1, endBlock2)
	return out
}

// processMessage parses MSH, publishes the envelope, and returns the raw
// ER7 bytes of the ACK (success) or NAK (parse/publish failure) to send
// back in its own MLLP frame.
func (l *Listener) processMessage(ctx context.Context, remote string, payload []byte) []byte {
	doc, _, err := hl7.Parse(payload)
	if err != nil {
		l.countAck("nak")
		return buildNAK("", "2.5.1", "parse_error: "+err.Error())
	}
	controlID := hl7.MessageControlID(doc)
	version := fieldVersion(doc)
	messageType := hl7.MessageType(doc)

	env := envelope.New(fmt.Sprintf("mllp://%s", remote), "application/hl7-v2+er7", payload)
	env.Header.MessageType = messageType
	env.Header.MessageControlID = controlID

	if err := l.cfg.Queues.Publish(ctx, l.cfg.OutputQueue, env); err != nil {
		l.cfg.Logger.Error("mllp publish failed", logging.Err(err))
		l.countAck("nak")
		return buildNAK(controlID, version, "publish_error: "+err.Error())
	}
	l.countAck("ack")
	return buildACK(controlID, version)
}

func (l *Listener) countAck(kind string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.MLLPMessages.WithLabelValues(l.cfg.Name, kind).Inc()
	}
}

func fieldVersion(doc hl7.Document) string {
	occs := doc["MSH"]
	if len(occs) == 0 || len(occs[0]) <= 12 {
		return "2.5.1"
	}
	if s, ok := occs[0][12].(string); ok && s != "" {
		return s
	}
	return "2.5.1"
}

func buildACK(controlID, version string) []byte {
	return []byte(fmt.Sprintf(
		"MSH|^~\\&|INTEROP|ENGINE|||%s||ACK|%s|P|%s\rMSA|AA|%s\r",
		time.Now().UTC().Format("20060102150405"), controlID, version, controlID,
	))
}

func buildNAK(controlID, version, reason string) []byte {
	if controlID == "" {
		controlID = "00000"
	}
	return []byte(fmt.Sprintf(
		"MSH|^~\\&|INTEROP|ENGINE|||%s||ACK|%s|P|%s\rMSA|AE|%s|%s\r",
		time.Now().UTC().Format("20060102150405"), controlID, version, controlID, reason,
	))
}
