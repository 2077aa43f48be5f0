package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhealth/interop-engine/internal/config"
	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/queue"
	"github.com/meridianhealth/interop-engine/internal/routing"
)

func TestParseDurationOrFallsBackOnEmptyOrInvalid(t *testing.T) {
	if got := parseDurationOr("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected the default for an empty string, got %v", got)
	}
	if got := parseDurationOr("not-a-duration", 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected the default for an invalid duration, got %v", got)
	}
	if got := parseDurationOr("10s", 5*time.Second); got != 10*time.Second {
		t.Fatalf("expected the parsed duration to win, got %v", got)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for an empty string, got %q", got)
	}
	if got := orDefault("set", "fallback"); got != "set" {
		t.Fatalf("expected the explicit value to win, got %q", got)
	}
}

func TestRetryPolicyForHonorsConfiguredMaxRetries(t *testing.T) {
	def := queue.DefaultRetryPolicy()

	if got := retryPolicyFor(0); got.MaxAttempts != def.MaxAttempts {
		t.Fatalf("expected an unset max_retries to fall back to the default MaxAttempts %d, got %d", def.MaxAttempts, got.MaxAttempts)
	}
	got := retryPolicyFor(7)
	if got.MaxAttempts != 7 {
		t.Fatalf("expected the configured max_retries to win, got MaxAttempts=%d", got.MaxAttempts)
	}
	if got.BaseDelay != def.BaseDelay || got.MaxDelay != def.MaxDelay {
		t.Fatalf("expected backoff window to keep the default BaseDelay/MaxDelay, got %+v", got)
	}
}

func TestOrDefaultInt(t *testing.T) {
	if got := orDefaultInt(0, 2575); got != 2575 {
		t.Fatalf("expected the default for zero, got %d", got)
	}
	if got := orDefaultInt(9999, 2575); got != 9999 {
		t.Fatalf("expected the explicit value to win, got %d", got)
	}
}

func TestDecodeRouteRuleTranslatesConditionsAndActions(t *testing.T) {
	rc := config.RouteRuleConfig{
		Name:     "custom",
		Priority: 5,
		Enabled:  true,
		Conditions: []config.RouteConditionConfig{
			{Field: "header.message_type", Operator: "==", Value: "ADT_A01"},
		},
		Actions: []config.RouteActionConfig{
			{Type: "forward", Target: "adt_processor"},
		},
	}
	rule, err := decodeRouteRule(rc)
	if err != nil {
		t.Fatalf("decodeRouteRule: %v", err)
	}
	if rule.Name != "custom" || rule.Priority != 5 || !rule.Enabled {
		t.Fatalf("unexpected rule header: %+v", rule)
	}
	if len(rule.Conditions) != 1 || rule.Conditions[0].Field != "header.message_type" {
		t.Fatalf("unexpected conditions: %+v", rule.Conditions)
	}
	if len(rule.Actions) != 1 || rule.Actions[0].Target != "adt_processor" {
		t.Fatalf("unexpected actions: %+v", rule.Actions)
	}
}

func TestValidateEnvelopeAcceptsWellFormedHL7(t *testing.T) {
	env := envelope.New("test", "application/hl7-v2+er7",
		[]byte("MSH|^~\\&|SEND|FAC|RECV|FAC|20230101000000||ADT^A01|MSG001|P|2.5\r"+
			"EVN|A01|20230101000000\r"+
			"PID|1||12345^^^MRN||Doe^Jane\r"+
			"PV1|1|I\r"))

	out, err := validateEnvelope(context.Background(), env)
	if err != nil {
		t.Fatalf("validateEnvelope: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one output envelope, got %d", len(out))
	}
	if out[0].Header.Status != envelope.StatusValidated {
		t.Fatalf("expected status validated, got %q", out[0].Header.Status)
	}
	if out[0].Body.Variant != envelope.VariantHL7Structured {
		t.Fatalf("expected a structured HL7 body, got %q", out[0].Body.Variant)
	}
}

func TestValidateEnvelopeRejectsMalformedHL7(t *testing.T) {
	env := envelope.New("test", "application/hl7-v2+er7", []byte("not an hl7 message"))
	if _, err := validateEnvelope(context.Background(), env); err == nil {
		t.Fatalf("expected an error for unparseable HL7 content")
	} else if errs.KindOf(err) != errs.ParseError {
		t.Fatalf("expected errs.ParseError, got %v", errs.KindOf(err))
	}
}

func TestValidateEnvelopeRejectsUnrecognizedContentType(t *testing.T) {
	env := envelope.New("test", "text/plain", []byte("hello"))
	if _, err := validateEnvelope(context.Background(), env); err == nil {
		t.Fatalf("expected an error for an unrecognized content type")
	} else if errs.KindOf(err) != errs.ParseError {
		t.Fatalf("expected errs.ParseError, got %v", errs.KindOf(err))
	}
}

func TestValidateEnvelopeExplodesFHIRBundleIntoEntries(t *testing.T) {
	bundle := []byte(`{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1", "name": [{"family": "Doe"}]}},
			{"resource": {"resourceType": "Patient", "id": "p2", "name": [{"family": "Roe"}]}}
		]
	}`)
	env := envelope.New("test", "application/fhir+json", bundle)
	out, err := validateEnvelope(context.Background(), env)
	if err != nil {
		t.Fatalf("validateEnvelope: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected the bundle to explode into 2 envelopes, got %d", len(out))
	}
	for _, o := range out {
		if o.Header.CorrelationID != env.Header.MessageID {
			t.Fatalf("expected correlation_id to reference the bundle's message_id, got %q want %q",
				o.Header.CorrelationID, env.Header.MessageID)
		}
		if o.Header.Status != envelope.StatusValidated {
			t.Fatalf("expected status validated, got %q", o.Header.Status)
		}
	}
}

func TestRouteProcessFuncPublishesToForwardDestinationsAndAdvancesStatus(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	engine := routing.NewEngine()
	if err := engine.Register(routing.Rule{
		Name:     "to-adt",
		Priority: 1,
		Enabled:  true,
		Conditions: []routing.Condition{
			{Field: "header.message_type", Operator: "==", Value: "ADT_A01"},
		},
		Actions: []routing.Action{{Type: "forward", Target: "adt_processor"}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	process := routeProcessFunc(engine, qm, "unrouted_messages")
	env := envelope.New("test", "application/hl7-v2+er7", nil)
	env.Header.MessageType = "ADT_A01"

	out, err := process(context.Background(), env)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatalf("expected routing to return no output envelopes since it publishes directly, got %v", out)
	}
	depth, err := qm.Depth(context.Background(), "adt_processor")
	if err != nil || depth != 1 {
		t.Fatalf("expected the envelope to be published to adt_processor, depth=%d err=%v", depth, err)
	}
}

func TestRouteProcessFuncFallsBackToDefaultRouteWhenNothingMatches(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	engine := routing.NewEngine()
	process := routeProcessFunc(engine, qm, "unrouted_messages")
	env := envelope.New("test", "application/hl7-v2+er7", nil)

	if _, err := process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	depth, err := qm.Depth(context.Background(), "unrouted_messages")
	if err != nil || depth != 1 {
		t.Fatalf("expected the unmatched envelope to land on the default route, depth=%d err=%v", depth, err)
	}
}

func TestRouteProcessFuncDropTerminatesWithoutPublishing(t *testing.T) {
	qm := queue.NewManagerWithBackend(queue.NewMemory(queue.MemoryConfig{MaxDepth: 10}), nil)
	engine := routing.NewEngine()
	if err := engine.Register(routing.Rule{
		Name:     "drop-adt",
		Priority: 1,
		Enabled:  true,
		Conditions: []routing.Condition{
			{Field: "header.message_type", Operator: "==", Value: "ADT_A01"},
		},
		Actions: []routing.Action{{Type: "drop"}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	process := routeProcessFunc(engine, qm, "unrouted_messages")
	env := envelope.New("test", "application/hl7-v2+er7", nil)
	env.Header.MessageType = "ADT_A01"

	if _, err := process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	depth, err := qm.Depth(context.Background(), "unrouted_messages")
	if err != nil || depth != 0 {
		t.Fatalf("expected a dropped envelope not to fall back to the default route, depth=%d err=%v", depth, err)
	}
}

func TestSendProcessFuncReturnsNoOutputOnSuccess(t *testing.T) {
	process := sendProcessFunc(func(ctx context.Context, env envelope.Envelope) error { return nil })
	env := envelope.New("test", "application/hl7-v2+er7", nil)

	out, err := process(context.Background(), env)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no output envelopes from a send stage, got %v", out)
	}
}

func TestSendProcessFuncPropagatesSendError(t *testing.T) {
	sendErr := errs.New("sender", errs.TransportError, "connection refused", nil)
	process := sendProcessFunc(func(ctx context.Context, env envelope.Envelope) error { return sendErr })
	env := envelope.New("test", "application/hl7-v2+er7", nil)

	if _, err := process(context.Background(), env); err == nil {
		t.Fatalf("expected the send error to propagate")
	}
}

func TestNewBuildsAnEngineWithNoServicesWhenEverythingDisabled(t *testing.T) {
	cfg := &config.EngineConfig{
		Queues: config.QueuesConfig{Type: "memory"},
		Global: config.GlobalConfig{LogLevel: "info"},
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(e.services) != 0 {
		t.Fatalf("expected no services when everything is disabled, got %d", len(e.services))
	}
	if e.metricsSrv == nil {
		t.Fatalf("expected a metrics server to always be built")
	}
}

func TestNewBuildsConfiguredServicesInOrder(t *testing.T) {
	cfg := &config.EngineConfig{
		Queues: config.QueuesConfig{Type: "memory"},
		Global: config.GlobalConfig{LogLevel: "info"},
		Inbound: config.InboundConfig{
			HL7v2Listener: config.InboundServiceConfig{Enabled: true, Port: 0, InputQueue: "inbound_hl7v2_messages"},
		},
		Processing: config.ProcessingConfig{
			Validation: config.ProcessingStageConfig{Enabled: true},
		},
		Outbound: config.OutboundConfig{
			FileSender: config.OutboundServiceConfig{Enabled: true, OutputDir: t.TempDir()},
		},
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(e.services) != 3 {
		t.Fatalf("expected 3 services (hl7v2_listener, validation, file_sender), got %d", len(e.services))
	}
	wantOrder := []string{"hl7v2_listener", "validation", "file_sender"}
	for i, want := range wantOrder {
		if e.services[i].name != want {
			t.Fatalf("expected service %d to be %q, got %q", i, want, e.services[i].name)
		}
	}
}

func TestAddRejectsDuplicateServiceName(t *testing.T) {
	e := &Engine{}
	noop := &noopLifecycle{}
	if err := e.add("svc", noop); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := e.add("svc", noop); err == nil {
		t.Fatalf("expected an error registering a duplicate service name")
	}
}

type noopLifecycle struct{}

func (noopLifecycle) Start(ctx context.Context) error { return nil }
func (noopLifecycle) Stop(ctx context.Context) error  { return nil }

func TestStartAndShutdownRunServicesInAndReverseOrder(t *testing.T) {
	cfg := &config.EngineConfig{
		Queues: config.QueuesConfig{Type: "memory"},
		Global: config.GlobalConfig{LogLevel: "info", ShutdownTimeout: "2s", MetricsAddr: "127.0.0.1:0"},
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var order []string
	e.services = []namedService{
		{name: "a", svc: &orderRecorder{label: "a", order: &order}},
		{name: "b", svc: &orderRecorder{label: "b", order: &order}},
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

type orderRecorder struct {
	label string
	order *[]string
}

func (o *orderRecorder) Start(ctx context.Context) error {
	*o.order = append(*o.order, "start:"+o.label)
	return nil
}

func (o *orderRecorder) Stop(ctx context.Context) error {
	*o.order = append(*o.order, "stop:"+o.label)
	return nil
}
