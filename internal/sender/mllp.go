// Package sender implements the outbound delivery side (SPEC_FULL §4.10):
// an MLLP client, a FHIR HTTP client, and a file writer, each consuming
// one queue and classifying failures via internal/errs so the owning
// stage's retry/dead-letter policy applies uniformly.
//
// The MLLP client is grounded on
// original_source/integration_engine/services/outbound/hl7v2_sender.py's
// _manage_connection/send_message/_read_mllp_message (persistent
// connection, reconnect-with-backoff, MSA-1 ack-code interpretation); the
// framing constants mirror internal/mllp's listener-side state machine.
package sender

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/hl7"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
)

const (
	mllpStartBlock = 0x0B
	mllpEndBlock1  = 0x1C
	mllpEndBlock2  = 0x0D
)

// MLLPClientConfig wires one outbound MLLP connection.
type MLLPClientConfig struct {
	Name    string
	Host    string
	Port    int
	Timeout time.Duration // per round-trip; default 30s

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// MLLPClient holds one persistent, mutex-serialized connection to a remote
// MLLP listener, dialing lazily and redialing on the next Send after any
// transport failure — send_message never redials mid-call, matching the
// source's "background connection manager, foreground sender" split,
// simplified here to dial-on-demand since this client has no background
// reconnect loop of its own (the owning stage worker retries the whole
// Send through its own backoff instead).
type MLLPClient struct {
	cfg  MLLPClientConfig
	mu   sync.Mutex
	conn net.Conn
}

func NewMLLPClient(cfg MLLPClientConfig) (*MLLPClient, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("sender: mllp host and port required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &MLLPClient{cfg: cfg}, nil
}

// Send frames env's raw ER7 content, writes it to the connection
// (dialing first if needed), and parses the MSA segment of the response.
// A non-AA/CA ack code is classified as errs.ApplicationReject (terminal,
// not retried); transport/protocol failures are errs.TransportError
// (retryable) and close the connection so the next Send redials.
func (c *MLLPClient) Send(ctx context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			return errs.New(c.cfg.Name, errs.TransportError, "dial failed", err)
		}
	}

	payload := env.Body.RawContent
	if payload == nil {
		payload = []byte(fmt.Sprint(env.Body.Content))
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(frameMLLP(payload)); err != nil {
		c.closeLocked()
		return errs.New(c.cfg.Name, errs.TransportError, "write failed", err)
	}

	ack, err := readMLLPFrame(bufio.NewReader(c.conn))
	if err != nil {
		c.closeLocked()
		return errs.New(c.cfg.Name, errs.TransportError, "read ack failed", err)
	}

	code, reason, err := parseMSA(ack)
	if err != nil {
		return errs.New(c.cfg.Name, errs.ApplicationReject, "malformed ack: "+err.Error(), err)
	}
	if code != "AA" && code != "CA" {
		return errs.New(c.cfg.Name, errs.ApplicationReject, fmt.Sprintf("rejected: MSA-1=%s %s", code, reason), nil)
	}
	return nil
}

func (c *MLLPClient) dialLocked() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, c.cfg.Timeout)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *MLLPClient) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *MLLPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func frameMLLP(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, mllpStartBlock)
	out = append(out, payload...)
	out = append(out, mllpEndBlock1, mllpEndBlock2)
	return out
}

// readMLLPFrame mirrors internal/mllp's listener-side state machine, here
// read from the client side of the same connection.
func readMLLPFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == mllpStartBlock {
			break
		}
	}
	var payload []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == mllpEndBlock1 {
			break
		}
		payload = append(payload, b)
	}
	cr, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if cr != mllpEndBlock2 {
		return nil, fmt.Errorf("sender: malformed frame, expected trailing CR")
	}
	return payload, nil
}

// parseMSA extracts MSA-1 (ack code) and MSA-3 (text message, if present)
// from a raw ER7 ack/nak payload.
func parseMSA(raw []byte) (code, reason string, err error) {
	doc, _, err := hl7.Parse(raw)
	if err != nil {
		return "", "", err
	}
	msa := doc["MSA"]
	if len(msa) == 0 || len(msa[0]) < 2 {
		return "", "", fmt.Errorf("sender: no MSA segment in response")
	}
	fields := msa[0]
	code = fmt.Sprint(fields[1])
	if len(fields) > 3 {
		reason = strings.TrimSpace(fmt.Sprint(fields[3]))
	}
	return code, reason, nil
}
