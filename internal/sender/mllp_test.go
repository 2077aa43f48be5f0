package sender

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
)

func TestFrameMLLPRoundTrips(t *testing.T) {
	payload := []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r")
	framed := frameMLLP(payload)
	if framed[0] != mllpStartBlock {
		t.Fatalf("expected frame to start with the start-block byte")
	}
	got, err := readMLLPFrame(bufio.NewReader(bytes.NewReader(framed)))
	if err != nil {
		t.Fatalf("readMLLPFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestReadMLLPFrameRejectsMissingTrailer(t *testing.T) {
	raw := []byte{mllpStartBlock, 'x', 'y', mllpEndBlock1, 'Z'}
	if _, err := readMLLPFrame(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatalf("expected an error for a frame missing the trailing CR")
	}
}

func TestParseMSAAcceptCode(t *testing.T) {
	ack := []byte("MSH|^~\\&|RECV|FAC|SEND|FAC|20230101000000||ACK^A01|2|P|2.5\r" +
		"MSA|AA|1\r")
	code, _, err := parseMSA(ack)
	if err != nil {
		t.Fatalf("parseMSA: %v", err)
	}
	if code != "AA" {
		t.Fatalf("expected AA, got %q", code)
	}
}

func TestParseMSARejectCodeWithReason(t *testing.T) {
	ack := []byte("MSH|^~\\&|RECV|FAC|SEND|FAC|20230101000000||ACK^A01|2|P|2.5\r" +
		"MSA|AE|1|Unknown segment\r")
	code, reason, err := parseMSA(ack)
	if err != nil {
		t.Fatalf("parseMSA: %v", err)
	}
	if code != "AE" {
		t.Fatalf("expected AE, got %q", code)
	}
	if reason != "Unknown segment" {
		t.Fatalf("expected reason 'Unknown segment', got %q", reason)
	}
}

func TestParseMSAMissingSegmentErrors(t *testing.T) {
	ack := []byte("MSH|^~\\&|RECV|FAC|SEND|FAC|20230101000000||ACK^A01|2|P|2.5\r")
	if _, _, err := parseMSA(ack); err == nil {
		t.Fatalf("expected an error when the ack has no MSA segment")
	}
}

// fakeMLLPServer accepts one connection, echoes back ack for every framed
// message it receives, and reports any errors via t via errCh.
func fakeMLLPServer(t *testing.T, ack []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		if _, err := readMLLPFrame(bufio.NewReader(conn)); err != nil {
			return
		}
		conn.Write(frameMLLP(ack))
	}()
	return ln.Addr().String()
}

func TestMLLPClientSendAcceptedAck(t *testing.T) {
	host, portStr, err := net.SplitHostPort(fakeMLLPServer(t, []byte(
		"MSH|^~\\&|RECV|FAC|SEND|FAC|20230101000000||ACK^A01|2|P|2.5\rMSA|AA|1\r")))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := NewMLLPClient(MLLPClientConfig{Name: "test", Host: host, Port: port, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewMLLPClient: %v", err)
	}
	defer client.Close()

	env := envelope.New("test", "application/hl7-v2+er7", []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"))
	if err := client.Send(context.Background(), env); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestMLLPClientSendRejectedAckIsApplicationReject(t *testing.T) {
	host, portStr, err := net.SplitHostPort(fakeMLLPServer(t, []byte(
		"MSH|^~\\&|RECV|FAC|SEND|FAC|20230101000000||ACK^A01|2|P|2.5\rMSA|AE|1|bad segment\r")))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client, err := NewMLLPClient(MLLPClientConfig{Name: "test", Host: host, Port: port, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewMLLPClient: %v", err)
	}
	defer client.Close()

	env := envelope.New("test", "application/hl7-v2+er7", []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"))
	err = client.Send(context.Background(), env)
	if err == nil {
		t.Fatalf("expected an error for a rejected ack")
	}
	if errs.KindOf(err) != errs.ApplicationReject {
		t.Fatalf("expected ApplicationReject, got %v", errs.KindOf(err))
	}
}

func TestMLLPClientSendDialFailureIsTransportError(t *testing.T) {
	client, err := NewMLLPClient(MLLPClientConfig{Name: "test", Host: "127.0.0.1", Port: 1, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMLLPClient: %v", err)
	}
	defer client.Close()

	env := envelope.New("test", "application/hl7-v2+er7", []byte("MSH|^~\\&|A|B|C|D|20230101000000||ADT^A01|1|P|2.5\r"))
	err = client.Send(context.Background(), env)
	if err == nil {
		t.Fatalf("expected a dial failure")
	}
	if errs.KindOf(err) != errs.TransportError {
		t.Fatalf("expected TransportError, got %v", errs.KindOf(err))
	}
}
