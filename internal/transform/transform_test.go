package transform

import (
	"strings"
	"testing"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/hl7"
)

func adtEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	raw := []byte("MSH|^~\\&|SEND|FAC|RECV|FAC|20230105120000||ADT^A01|MSG00001|P|2.5\r" +
		"EVN|A01|20230105120000\r" +
		"PID|1||12345^^^MRN||DOE^JOHN^Q||19800101|M\r" +
		"PV1|1|I\r")
	doc, _, err := hl7.Parse(raw)
	if err != nil {
		t.Fatalf("hl7.Parse: %v", err)
	}
	env := envelope.New("test", "application/hl7-v2+er7", raw)
	env.Body.Variant = envelope.VariantHL7Structured
	env.Body.Content = doc
	env.Header.MessageType = hl7.MessageType(doc)
	if err := env.Advance(envelope.StatusValidated); err != nil {
		t.Fatalf("advance: %v", err)
	}
	return env
}

func TestEngineMatchFirstRegistrationWins(t *testing.T) {
	e := NewEngine()
	e.Register(Rule{Name: "generic", SourceFormat: "hl7v2"})
	e.Register(Rule{Name: "adt-specific", SourceFormat: "hl7v2", SourceMessageType: "ADT_A01"})

	rule, ok := e.Match("hl7v2", "ADT_A01")
	if !ok || rule.Name != "generic" {
		t.Fatalf("expected first-registered rule 'generic' to win, got %+v ok=%v", rule, ok)
	}
}

func TestEngineMatchRespectsMessageTypeFilter(t *testing.T) {
	e := NewEngine()
	e.Register(Rule{Name: "adt-only", SourceFormat: "hl7v2", SourceMessageType: "ADT_A01"})

	if _, ok := e.Match("hl7v2", "ORU_R01"); ok {
		t.Fatalf("expected no match for ORU_R01 against an ADT_A01-only rule")
	}
	if _, ok := e.Match("fhir", "ADT_A01"); ok {
		t.Fatalf("expected no match across source formats")
	}
}

func TestApplyBuiltinADTToPatient(t *testing.T) {
	env := adtEnvelope(t)
	out, err := NewEngine().Apply(env, BuiltinADTToPatient())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Header.Status != envelope.StatusTransformed {
		t.Fatalf("expected status transformed, got %s", out.Header.Status)
	}
	if out.Header.CorrelationID != env.Header.MessageID {
		t.Fatalf("expected correlation_id to carry forward from Clone, got %q want %q", out.Header.CorrelationID, env.Header.MessageID)
	}
	tree, ok := out.Body.Content.(map[string]any)
	if !ok {
		t.Fatalf("expected rendered content to be a map, got %T", out.Body.Content)
	}
	if tree["resourceType"] != "Patient" {
		t.Fatalf("expected resourceType Patient, got %v", tree["resourceType"])
	}
	gender, _ := tree["gender"].(string)
	if gender != "male" {
		t.Fatalf("expected PID-8 'M' mapped through the closed gender lookup to 'male', got %q", gender)
	}
	birthDate, _ := tree["birthDate"].(string)
	if birthDate != "1980-01-01" {
		t.Fatalf("expected birthDate reformatted to 1980-01-01, got %q", birthDate)
	}
}

func TestApplyHL7v2TargetBuildsFlatDocument(t *testing.T) {
	env := adtEnvelope(t)
	rule := Rule{
		Name:              "patient-ack",
		SourceFormat:      "hl7v2",
		TargetFormat:      "hl7v2",
		TargetMessageType: "ACK",
		Mapping: map[string]any{
			"MSA.1": "AA",
			"MSA.2": "{{header.message_control_id}}",
		},
	}
	env.Header.MessageControlID = hl7.MessageControlID(env.Body.Content.(hl7.Document))
	out, err := NewEngine().Apply(env, rule)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	doc, ok := out.Body.Content.(hl7.Document)
	if !ok {
		t.Fatalf("expected hl7.Document content, got %T", out.Body.Content)
	}
	if len(doc["MSA"]) == 0 {
		t.Fatalf("expected an MSA segment to be built")
	}
	if got := doc["MSA"][0][1]; got != "AA" {
		t.Fatalf("expected MSA-1 = AA, got %v", got)
	}
	if got := doc["MSA"][0][2]; got != "MSG00001" {
		t.Fatalf("expected MSA-2 = MSG00001, got %v", got)
	}
}

func TestApplyRejectsUnknownTargetFormat(t *testing.T) {
	env := adtEnvelope(t)
	rule := Rule{SourceFormat: "hl7v2", TargetFormat: "xml"}
	if _, err := NewEngine().Apply(env, rule); err == nil {
		t.Fatalf("expected an error for an unknown target_format")
	}
}

func TestConditionalTemplateBranches(t *testing.T) {
	resolve := func(p string) (any, bool) {
		if p == "body.content.PID.8" {
			return "M", true
		}
		return nil, false
	}
	s := "gender is {% if body.content.PID.8 == M %}male{% else %}unknown{% endif %} today"
	out, err := renderString(s, resolve)
	if err != nil {
		t.Fatalf("renderString: %v", err)
	}
	if out != "gender is male today" {
		t.Fatalf("unexpected conditional render: %q", out)
	}
}

func TestFilterDefaultAndUpper(t *testing.T) {
	resolve := func(p string) (any, bool) { return nil, false }
	out, err := renderPlaceholders(`{{missing.path|default("UNK")|upper}}`, resolve)
	if err != nil {
		t.Fatalf("renderPlaceholders: %v", err)
	}
	if out != "UNK" {
		t.Fatalf("expected default+upper filter chain to produce UNK, got %q", out)
	}
}

func TestGenderFilterClosedLookup(t *testing.T) {
	cases := map[string]string{
		"M": "male",
		"F": "female",
		"":  "unknown",
		"O": "unknown",
		"U": "unknown",
	}
	for code, want := range cases {
		resolve := func(p string) (any, bool) { return code, true }
		out, err := renderPlaceholders("{{body.content.PID.8|gender}}", resolve)
		if err != nil {
			t.Fatalf("renderPlaceholders(%q): %v", code, err)
		}
		if out != want {
			t.Fatalf("expected PID-8 %q to map to %q, got %q", code, want, out)
		}
	}
}

func TestUnterminatedPlaceholderErrors(t *testing.T) {
	resolve := func(p string) (any, bool) { return nil, false }
	if _, err := renderPlaceholders("{{unterminated", resolve); err == nil {
		t.Fatalf("expected an error for an unterminated placeholder")
	}
}

func TestUnknownFilterErrors(t *testing.T) {
	resolve := func(p string) (any, bool) { return "x", true }
	if _, err := renderExpr("body.content.PID.8|nosuchfilter", resolve); err == nil {
		t.Fatalf("expected an error for an unknown filter")
	} else if !strings.Contains(err.Error(), "unknown filter") {
		t.Fatalf("expected unknown-filter error, got %v", err)
	}
}
