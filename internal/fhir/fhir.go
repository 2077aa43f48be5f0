// Package fhir implements resource-type and required-field validation for
// inbound FHIR R4 JSON (SPEC_FULL §4.6), grounded on
// services/normalizer/internal/engine/validator.go's Schema/FieldRule
// registry shape, generalized from generic typed-field schemas to
// FHIR-resource-specific "at least one of" and presence rules, and on
// original_source/integration_engine/services/input/fhir_listener.py for
// the Bundle-unwrap behavior.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidJSON    = errors.New("fhir: parse_error")
	ErrNoResourceType = errors.New("fhir: validation_error")
)

// Rule describes one required-field check for a resource type. If AnyOf is
// set, at least one of the named fields must be present and non-empty
// (e.g. Patient.name); otherwise Field must simply be present.
type Rule struct {
	Field string
	AnyOf []string
}

// Schema is the required-field rule set for one resourceType.
type Schema struct {
	ResourceType string
	Rules        []Rule
}

// Registry holds the per-resource-type schemas the validator checks
// against, mirroring the normalizer's Validator but keyed on FHIR
// resourceType rather than an arbitrary schema ID.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry returns a Registry pre-populated with the built-in resource
// schemas this engine understands out of the box.
func NewRegistry() *Registry {
	r := &Registry{schemas: map[string]Schema{}}
	r.Register(Schema{ResourceType: "Patient", Rules: []Rule{{AnyOf: []string{"name"}}}})
	r.Register(Schema{ResourceType: "Observation", Rules: []Rule{{Field: "status"}, {Field: "code"}}})
	r.Register(Schema{ResourceType: "Encounter", Rules: []Rule{{Field: "status"}}})
	return r
}

// Register adds or replaces a resource schema.
func (r *Registry) Register(s Schema) {
	if r.schemas == nil {
		r.schemas = map[string]Schema{}
	}
	r.schemas[s.ResourceType] = s
}

// Parse decodes raw bytes into a generic JSON document.
func Parse(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return doc, nil
}

// Validate checks resourceType presence and the registered required-field
// rules for that type, returning a sorted list of violation descriptions
// (empty slice means valid).
func (r *Registry) Validate(doc map[string]any) ([]string, error) {
	rt, _ := doc["resourceType"].(string)
	rt = strings.TrimSpace(rt)
	if rt == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrNoResourceType)
	}
	schema, ok := r.schemas[rt]
	if !ok {
		// No schema registered: resourceType presence alone is sufficient.
		return nil, nil
	}
	var violations []string
	for _, rule := range schema.Rules {
		if len(rule.AnyOf) > 0 {
			if !anyPresent(doc, rule.AnyOf) {
				violations = append(violations, fmt.Sprintf("missing:any_of:%s", strings.Join(rule.AnyOf, "|")))
			}
			continue
		}
		if !present(doc, rule.Field) {
			violations = append(violations, "missing:"+rule.Field)
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func present(doc map[string]any, field string) bool {
	v, ok := doc[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	if arr, ok := v.([]any); ok {
		return len(arr) > 0
	}
	return true
}

func anyPresent(doc map[string]any, fields []string) bool {
	for _, f := range fields {
		if present(doc, f) {
			return true
		}
	}
	return false
}

// BundleEntries returns the resource of each entry in a FHIR Bundle, for
// the Bundle-unwrap step where each is re-enveloped with
// correlation_id = parent.message_id and re-emitted to the validation
// queue.
func BundleEntries(doc map[string]any) ([]map[string]any, bool) {
	rt, _ := doc["resourceType"].(string)
	if rt != "Bundle" {
		return nil, false
	}
	entriesAny, _ := doc["entry"].([]any)
	out := make([]map[string]any, 0, len(entriesAny))
	for _, e := range entriesAny {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]any)
		if !ok {
			continue
		}
		out = append(out, resource)
	}
	return out, true
}
