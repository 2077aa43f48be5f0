// Package envelope defines the message carrier that flows through every
// stage of the pipeline, grounded on this codebase's shared queue package
// (pkg/queue.Envelope) but generalized from a generic job payload to the
// header/body split and tagged body variant this engine's domain needs.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Status is a point in the envelope's monotonic state lattice.
type Status string

const (
	StatusReceived    Status = "received"
	StatusValidated   Status = "validated"
	StatusTransformed Status = "transformed"
	StatusRouted      Status = "routed"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
)

// statusRank orders the lattice so Advance can refuse regressions.
var statusRank = map[Status]int{
	StatusReceived:    0,
	StatusValidated:   1,
	StatusTransformed: 2,
	StatusRouted:      3,
	StatusSent:        4,
	StatusFailed:      5, // terminal, reachable from any state
}

// BodyVariant tags which shape Body.Content holds. Path resolution (internal/path)
// dispatches strictly on this tag — no reflective access.
type BodyVariant string

const (
	VariantHL7Structured BodyVariant = "hl7_structured"
	VariantFHIRJSON       BodyVariant = "fhir_json"
	VariantRawBytes       BodyVariant = "raw_bytes"
	VariantNone           BodyVariant = ""
)

// ErrorEntry is one entry of header.metadata.errors[] per the spec's error
// handling design (§7).
type ErrorEntry struct {
	Service string `json:"service"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Header carries routing and lifecycle metadata for an envelope.
type Header struct {
	MessageID       string         `json:"message_id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	MessageType     string         `json:"message_type,omitempty"`
	MessageControlID string        `json:"message_control_id,omitempty"`
	ContentType     string         `json:"content_type,omitempty"`
	Source          string         `json:"source,omitempty"`
	Destinations    []string       `json:"destinations,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Status          Status         `json:"status"`
	RetryCount      int            `json:"retry_count"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Body carries the content of the message in whichever representation the
// owning stage last produced.
type Body struct {
	ContentType string         `json:"content_type,omitempty"`
	Variant     BodyVariant    `json:"variant,omitempty"`
	Content     any            `json:"content,omitempty"`     // structured view, per Variant
	RawContent  []byte         `json:"raw_content,omitempty"` // preserved until sink ack, for replay
	SchemaID    string         `json:"schema_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Envelope is the unit of transport through every queue in the pipeline.
// Treat it as immutable except via Clone/WithStatus/WithError — the owning
// stage is the single writer while a delivery is in flight.
type Envelope struct {
	Header Header `json:"header"`
	Body   Body   `json:"body"`
}

// New creates a freshly-ingested envelope with a generated message_id and
// status=received.
func New(source, contentType string, raw []byte) Envelope {
	return Envelope{
		Header: Header{
			MessageID:   newID(),
			ContentType: contentType,
			Source:      source,
			Timestamp:   time.Now().UTC(),
			Status:      StatusReceived,
			Metadata:    map[string]any{},
		},
		Body: Body{
			ContentType: contentType,
			Variant:     VariantRawBytes,
			RawContent:  raw,
			Metadata:    map[string]any{},
		},
	}
}

// Clone produces a copy with a new message_id and
// correlation_id = original message_id, per the envelope lifecycle
// invariant in §3. Destinations, RawContent and the top level of both
// metadata maps are copied; Body.Content and values nested inside the
// metadata maps are shared with the original, not deep-copied.
func (e Envelope) Clone() Envelope {
	out := e
	out.Header.MessageID = newID()
	out.Header.CorrelationID = e.Header.MessageID
	out.Header.Destinations = append([]string(nil), e.Header.Destinations...)
	out.Header.Metadata = cloneMap(e.Header.Metadata)
	out.Body.Metadata = cloneMap(e.Body.Metadata)
	if e.Body.RawContent != nil {
		out.Body.RawContent = append([]byte(nil), e.Body.RawContent...)
	}
	return out
}

// Advance moves the envelope to a new status, refusing any transition that
// would regress the lattice (StatusFailed is reachable from any state; an
// explicit Requeue is the only sanctioned way to move status backwards).
func (e *Envelope) Advance(to Status) error {
	if to == StatusFailed {
		e.Header.Status = StatusFailed
		return nil
	}
	from, ok := statusRank[e.Header.Status]
	if !ok {
		from = -1
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("envelope: unknown status %q", to)
	}
	if toRank < from {
		return fmt.Errorf("envelope: cannot regress status %q -> %q", e.Header.Status, to)
	}
	e.Header.Status = to
	return nil
}

// Requeue explicitly resets status to received and increments retry_count,
// the only sanctioned status regression.
func (e *Envelope) Requeue() {
	e.Header.Status = StatusReceived
	e.Header.RetryCount++
}

// AppendError records a classified failure into header.metadata.errors[].
func (e *Envelope) AppendError(service, kind, message string) {
	if e.Header.Metadata == nil {
		e.Header.Metadata = map[string]any{}
	}
	list, _ := e.Header.Metadata["errors"].([]ErrorEntry)
	list = append(list, ErrorEntry{Service: service, Kind: kind, Message: message})
	e.Header.Metadata["errors"] = list
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// StableHash returns a deterministic sha256 over the envelope's identity
// fields and raw content, grounded on pkg/queue.StableEnvelopeHash —
// useful for idempotency checks at sinks and for test fixtures.
func (e Envelope) StableHash() string {
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(e.Header.MessageID)
	write(e.Header.CorrelationID)
	write(e.Header.MessageType)
	write(string(e.Header.Status))
	write(fmt.Sprintf("%d", e.Header.RetryCount))
	if e.Body.RawContent != nil {
		h.Write(e.Body.RawContent)
	}
	if len(e.Header.Destinations) > 0 {
		dests := append([]string(nil), e.Header.Destinations...)
		sort.Strings(dests)
		for _, d := range dests {
			write("d:" + d)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
