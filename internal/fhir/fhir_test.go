package fhir

import "testing"

func TestParseValidJSON(t *testing.T) {
	doc, err := Parse([]byte(`{"resourceType":"Patient","name":[{"family":"Doe"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc["resourceType"] != "Patient" {
		t.Fatalf("expected resourceType Patient, got %v", doc["resourceType"])
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatalf("expected an error for invalid JSON")
	}
}

func TestValidateMissingResourceType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected an error for a document with no resourceType")
	}
}

func TestValidatePatientRequiresName(t *testing.T) {
	r := NewRegistry()
	violations, err := r.Validate(map[string]any{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(violations) != 1 || violations[0] != "missing:any_of:name" {
		t.Fatalf("expected one missing:any_of:name violation, got %v", violations)
	}

	violations, err = r.Validate(map[string]any{"resourceType": "Patient", "name": []any{map[string]any{"family": "Doe"}}})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations once name is present, got %v", violations)
	}
}

func TestValidateObservationRequiresStatusAndCode(t *testing.T) {
	r := NewRegistry()
	violations, err := r.Validate(map[string]any{"resourceType": "Observation"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected two violations (status, code), got %v", violations)
	}
}

func TestValidateUnregisteredResourceTypePasses(t *testing.T) {
	r := NewRegistry()
	violations, err := r.Validate(map[string]any{"resourceType": "Organization"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no schema checks for an unregistered resourceType, got %v", violations)
	}
}

func TestBundleEntriesUnwrapsResources(t *testing.T) {
	doc := map[string]any{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Patient", "name": []any{map[string]any{"family": "Doe"}}}},
			map[string]any{"resource": map[string]any{"resourceType": "Observation", "status": "final", "code": map[string]any{}}},
		},
	}
	entries, isBundle := BundleEntries(doc)
	if !isBundle {
		t.Fatalf("expected doc to be recognized as a Bundle")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 unwrapped entries, got %d", len(entries))
	}
	if entries[0]["resourceType"] != "Patient" || entries[1]["resourceType"] != "Observation" {
		t.Fatalf("unexpected entry contents: %+v", entries)
	}
}

func TestBundleEntriesNonBundleReturnsFalse(t *testing.T) {
	if _, isBundle := BundleEntries(map[string]any{"resourceType": "Patient"}); isBundle {
		t.Fatalf("expected a non-Bundle resource to report isBundle=false")
	}
}
