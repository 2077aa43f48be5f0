// Package transform implements the HL7↔FHIR mapping engine (SPEC_FULL
// §4.8): a rule registry keyed by source/target format and message type,
// and a hand-written `{{path|filter(args)}}` / `{% if %}...{% else %}...{% endif %}`
// template renderer — deliberately not a general template engine, per
// SPEC_FULL §9's explicit instruction. Rule/pipeline registry shape is
// grounded on services/normalizer/internal/engine/transformer.go's
// Pipeline/Step/MatchPipeline/RunPipeline; the renderer itself has no
// teacher analog (the teacher's transformer has no template strings) and
// is written fresh in the same small-hand-rolled-parser style as that
// file's own parsePath.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/hl7"
	"github.com/meridianhealth/interop-engine/internal/path"
)

// Rule is one mapping definition (SPEC_FULL §3's TransformationRule).
type Rule struct {
	Name              string
	SourceFormat      string // hl7v2 | fhir
	TargetFormat      string // hl7v2 | fhir
	SourceMessageType string // optional filter, e.g. ADT_A01
	TargetMessageType string
	Mapping           map[string]any
}

// Engine holds the registered rules and matches/applies them in
// registration order — the first rule whose source_format (and, if set,
// source_message_type) matches the envelope wins, mirroring
// MatchPipeline's first-match semantics.
type Engine struct {
	rules []Rule
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Register(r Rule) { e.rules = append(e.rules, r) }

// Match finds the first registered rule applicable to an envelope
// currently carrying sourceFormat/messageType.
func (e *Engine) Match(sourceFormat, messageType string) (Rule, bool) {
	for _, r := range e.rules {
		if r.SourceFormat != sourceFormat {
			continue
		}
		if r.SourceMessageType != "" && r.SourceMessageType != messageType {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

// Lookup finds a registered rule by name, used by routing's transform
// action to invoke a specific rule rather than the first format match.
func (e *Engine) Lookup(name string) (Rule, bool) {
	for _, r := range e.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Apply renders r.Mapping against env and returns a new envelope carrying
// the rendered content in the target format, with
// correlation_id = env.message_id per the envelope lifecycle invariant.
func (e *Engine) Apply(env envelope.Envelope, r Rule) (envelope.Envelope, error) {
	resolve := func(p string) (any, bool) {
		v, err := path.Resolve(env, p)
		if err != nil {
			return nil, false
		}
		return v, true
	}

	out := env.Clone()
	out.Header.MessageType = r.TargetMessageType

	switch r.TargetFormat {
	case "fhir":
		rendered, err := renderTree(r.Mapping, resolve)
		if err != nil {
			return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, err.Error(), err)
		}
		tree, ok := rendered.(map[string]any)
		if !ok {
			return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, "rendered mapping is not an object", nil)
		}
		out.Body.Variant = envelope.VariantFHIRJSON
		out.Body.Content = tree
		out.Body.ContentType = "application/fhir+json"
		out.Header.ContentType = "application/fhir+json"
	case "hl7v2":
		flat := map[string]string{}
		for k, v := range r.Mapping {
			s, ok := v.(string)
			if !ok {
				return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, fmt.Sprintf("hl7v2 target mapping value for %q must be a string template", k), nil)
			}
			rendered, err := renderString(s, resolve)
			if err != nil {
				return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, err.Error(), err)
			}
			flat[k] = rendered
		}
		doc, err := buildHL7Document(flat)
		if err != nil {
			return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, err.Error(), err)
		}
		out.Body.Variant = envelope.VariantHL7Structured
		out.Body.Content = doc
		out.Body.ContentType = "application/hl7-v2+er7"
		out.Header.ContentType = "application/hl7-v2+er7"
	default:
		return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, "unknown target_format "+r.TargetFormat, nil)
	}

	if err := out.Advance(envelope.StatusTransformed); err != nil {
		return envelope.Envelope{}, errs.New("transformation", errs.TransformationError, err.Error(), err)
	}
	return out, nil
}

// renderTree walks a mapping value (map/slice/leaf string) recursively,
// rendering every leaf string as a template and leaving other scalar
// types untouched.
func renderTree(v any, resolve func(string) (any, bool)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := renderTree(val, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rendered, err := renderTree(val, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		return renderString(t, resolve)
	default:
		return v, nil
	}
}

// renderString resolves `{% if %}...{% else %}...{% endif %}` at most
// once per string (no nesting), then resolves every `{{path|filter(args)}}`
// placeholder in the surviving text.
func renderString(s string, resolve func(string) (any, bool)) (string, error) {
	if ifStart := strings.Index(s, "{% if "); ifStart >= 0 {
		return renderConditional(s, ifStart, resolve)
	}
	return renderPlaceholders(s, resolve)
}

func renderConditional(s string, ifStart int, resolve func(string) (any, bool)) (string, error) {
	condEnd := strings.Index(s[ifStart:], "%}")
	if condEnd < 0 {
		return "", fmt.Errorf("transform: unterminated {%% if %%} tag")
	}
	cond := strings.TrimSpace(s[ifStart+len("{% if ") : ifStart+condEnd])
	rest := s[ifStart+condEnd+len("%}"):]

	endifIdx := strings.Index(rest, "{% endif %}")
	if endifIdx < 0 {
		return "", fmt.Errorf("transform: missing {%% endif %%}")
	}
	body := rest[:endifIdx]
	tail := rest[endifIdx+len("{% endif %}"):]

	thenBranch, elseBranch := body, ""
	if elseIdx := strings.Index(body, "{% else %}"); elseIdx >= 0 {
		thenBranch = body[:elseIdx]
		elseBranch = body[elseIdx+len("{% else %}"):]
	}

	matched, err := evalCond(cond, resolve)
	if err != nil {
		return "", err
	}
	branch := elseBranch
	if matched {
		branch = thenBranch
	}

	renderedBranch, err := renderPlaceholders(branch, resolve)
	if err != nil {
		return "", err
	}
	renderedPrefix, err := renderPlaceholders(s[:ifStart], resolve)
	if err != nil {
		return "", err
	}
	renderedTail, err := renderString(tail, resolve)
	if err != nil {
		return "", err
	}
	return renderedPrefix + renderedBranch + renderedTail, nil
}

// evalCond supports `path`, `path == literal`, `path != literal`, and
// `path contains literal`, matching the operator vocabulary §3 defines
// for RouteCondition (the template language deliberately reuses it rather
// than inventing a second grammar).
func evalCond(cond string, resolve func(string) (any, bool)) (bool, error) {
	for _, op := range []string{"==", "!=", "contains"} {
		if idx := strings.Index(cond, " "+op+" "); idx >= 0 {
			left := strings.TrimSpace(cond[:idx])
			right := strings.Trim(strings.TrimSpace(cond[idx+len(op)+2:]), `"'`)
			val, _ := resolve(left)
			s := fmt.Sprint(val)
			switch op {
			case "==":
				return s == right, nil
			case "!=":
				return s != right, nil
			case "contains":
				return strings.Contains(s, right), nil
			}
		}
	}
	val, ok := resolve(strings.TrimSpace(cond))
	if !ok {
		return false, nil
	}
	return truthy(val), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// renderPlaceholders replaces every `{{path|filter(args)}}` in s.
func renderPlaceholders(s string, resolve func(string) (any, bool)) (string, error) {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("transform: unterminated {{ }} placeholder")
		}
		expr := rest[start+2 : start+end]
		rendered, err := renderExpr(expr, resolve)
		if err != nil {
			return "", err
		}
		b.WriteString(rendered)
		rest = rest[start+end+2:]
	}
	return b.String(), nil
}

// renderExpr evaluates one `path | filter(arg1,arg2) | filter2` pipeline.
func renderExpr(expr string, resolve func(string) (any, bool)) (string, error) {
	parts := strings.Split(expr, "|")
	pathExpr := strings.TrimSpace(parts[0])
	val, ok := resolve(pathExpr)
	if !ok {
		val = ""
	}
	for _, f := range parts[1:] {
		name, args := parseFilter(strings.TrimSpace(f))
		var err error
		val, err = applyFilter(name, args, val)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprint(val), nil
}

func parseFilter(f string) (name string, args []string) {
	open := strings.Index(f, "(")
	if open < 0 || !strings.HasSuffix(f, ")") {
		return f, nil
	}
	name = f[:open]
	argStr := f[open+1 : len(f)-1]
	if argStr == "" {
		return name, nil
	}
	for _, a := range strings.Split(argStr, ",") {
		args = append(args, strings.Trim(strings.TrimSpace(a), `"'`))
	}
	return name, args
}

func applyFilter(name string, args []string, val any) (any, error) {
	switch name {
	case "upper":
		return strings.ToUpper(fmt.Sprint(val)), nil
	case "lower":
		return strings.ToLower(fmt.Sprint(val)), nil
	case "default":
		if val == nil || fmt.Sprint(val) == "" {
			if len(args) > 0 {
				return args[0], nil
			}
			return "", nil
		}
		return val, nil
	case "date":
		layout := "2006-01-02"
		if len(args) > 0 {
			layout = args[0]
		}
		return formatHL7Timestamp(fmt.Sprint(val), layout), nil
	case "gender":
		return fhirAdministrativeGender(fmt.Sprint(val)), nil
	default:
		return nil, fmt.Errorf("transform: unknown filter %q", name)
	}
}

// fhirAdministrativeGender maps an HL7 PID-8 administrative sex code to a
// FHIR AdministrativeGender value via the closed lookup SPEC_FULL §4.8
// requires: M->male, F->female, anything else->unknown.
func fhirAdministrativeGender(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "M":
		return "male"
	case "F":
		return "female"
	default:
		return "unknown"
	}
}

// formatHL7Timestamp parses an HL7 TS value (YYYYMMDD[HHMM[SS]]) and
// reformats it using a Go reference layout, returning the raw value
// unchanged if it doesn't parse.
func formatHL7Timestamp(raw string, layout string) string {
	for _, hl7Layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if len(raw) == len(hl7Layout) {
			if t, err := time.Parse(hl7Layout, raw); err == nil {
				return t.Format(layout)
			}
		}
	}
	return raw
}

// buildHL7Document constructs a single-occurrence hl7.Document from a flat
// map of "SEG.field[.component]" dot paths to rendered string values, used
// when a rule's target_format is hl7v2.
func buildHL7Document(flat map[string]string) (hl7.Document, error) {
	doc := hl7.Document{}
	for key, value := range flat {
		segID, fieldIdx, compIdx, err := parseHL7Key(key)
		if err != nil {
			return nil, err
		}
		if len(doc[segID]) == 0 {
			doc[segID] = [][]any{make([]any, fieldIdx+1)}
			doc[segID][0][0] = segID
		}
		fields := doc[segID][0]
		for len(fields) <= fieldIdx {
			fields = append(fields, "")
		}
		if compIdx < 0 {
			fields[fieldIdx] = value
		} else {
			comps, ok := fields[fieldIdx].([]any)
			if !ok {
				comps = []any{}
			}
			for len(comps) <= compIdx {
				comps = append(comps, "")
			}
			comps[compIdx] = value
			fields[fieldIdx] = comps
		}
		doc[segID][0] = fields
	}
	return doc, nil
}

func parseHL7Key(key string) (segID string, fieldIdx, compIdx int, err error) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return "", 0, 0, fmt.Errorf("transform: invalid hl7v2 mapping key %q", key)
	}
	segID = parts[0]
	fieldIdx, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("transform: invalid field index in key %q: %w", key, err)
	}
	compIdx = -1
	if len(parts) > 2 {
		compIdx, err = strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, 0, fmt.Errorf("transform: invalid component index in key %q: %w", key, err)
		}
	}
	return segID, fieldIdx, compIdx, nil
}

// BuiltinADTToPatient is the reference hl7v2-adt-a01-to-fhir-patient
// mapping named in SPEC_FULL §4.8: minimal but functional, pulling
// patient identifiers and name from PID into a FHIR Patient resource.
func BuiltinADTToPatient() Rule {
	return Rule{
		Name:              "hl7v2-adt-a01-to-fhir-patient",
		SourceFormat:      "hl7v2",
		TargetFormat:      "fhir",
		SourceMessageType: "ADT_A01",
		TargetMessageType: "Patient",
		Mapping: map[string]any{
			"resourceType": "Patient",
			"id":           "{{body.content.PID.3.1}}",
			"identifier": []any{
				map[string]any{"value": "{{body.content.PID.3.1}}"},
			},
			"name": []any{
				map[string]any{
					"family": "{{body.content.PID.5.1}}",
					"given":  []any{"{{body.content.PID.5.2}}"},
				},
			},
			"gender":    "{{body.content.PID.8|gender}}",
			"birthDate": "{{body.content.PID.7|date(2006-01-02)}}",
		},
	}
}
