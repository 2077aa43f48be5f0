// Package routing implements the priority-ordered rule evaluator (SPEC_FULL
// §4.9), grounded on
// original_source/integration_engine/services/processing/routing_service.py's
// RouteCondition/RouteAction/RouteRule/RoutingResult and its
// evaluate-in-priority-order / stop-at-first-match semantics, rewired to
// use internal/path for field access instead of the source's reflective
// _get_nested_value.
package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/path"
	"github.com/meridianhealth/interop-engine/internal/transform"
)

// Condition mirrors RouteCondition: a single field/operator/value test.
type Condition struct {
	Field    string
	Operator string // ==, !=, >, >=, <, <=, contains, regex, in, not_in
	Value    any
}

// Action mirrors RouteAction: what to do when a rule's conditions all hold.
type Action struct {
	Type       string // forward, transform, drop, log
	Target     string
	Parameters map[string]any
}

// Rule mirrors RouteRule. Lower Priority values evaluate first; the default
// catch-all route conventionally carries Priority 1000.
type Rule struct {
	Name        string
	Description string
	Priority    int
	Conditions  []Condition
	Actions     []Action
	Enabled     bool
	regexCache  []*regexp.Regexp // parallel to Conditions, precompiled at Register time
}

// Result mirrors RoutingResult, recorded into header.metadata.routing per
// the spec's audit requirement.
type Result struct {
	MatchedRule  string           `json:"matched_rule,omitempty"`
	ActionsTaken []map[string]any `json:"actions_taken,omitempty"`
	Error        string           `json:"error,omitempty"`
	// Dropped is set by a "drop" action and means processing terminates
	// here: the caller must not fall back to a default route.
	Dropped bool `json:"dropped,omitempty"`
}

func (r *Result) addAction(actionType, target string, extra map[string]any) {
	action := map[string]any{"type": actionType}
	if target != "" {
		action["target"] = target
	}
	for k, v := range extra {
		action[k] = v
	}
	r.ActionsTaken = append(r.ActionsTaken, action)
}

// Engine holds the registered rule set, kept sorted by Priority.
type Engine struct {
	rules       []Rule
	transformer *transform.Engine
}

func NewEngine() *Engine { return &Engine{} }

// SetTransformer wires the transformation engine that a "transform" action
// invokes by rule name. Without one, a "transform" action records an error
// instead of mutating the envelope.
func (e *Engine) SetTransformer(t *transform.Engine) { e.transformer = t }

// Register adds rule to the engine, precompiling any regex conditions (the
// teacher's validator.go precompiles schema patterns at Register time
// rather than per-evaluation; routing follows the same idiom), and
// re-sorting by priority. Returns an error on a duplicate rule name or an
// invalid regex pattern.
func (e *Engine) Register(rule Rule) error {
	for _, existing := range e.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("routing: rule %q already registered", rule.Name)
		}
	}
	rule.regexCache = make([]*regexp.Regexp, len(rule.Conditions))
	for i, c := range rule.Conditions {
		if c.Operator != "regex" {
			continue
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("routing: rule %q condition %d: regex value must be a string", rule.Name, i)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("routing: rule %q condition %d: invalid regex: %w", rule.Name, i, err)
		}
		rule.regexCache[i] = re
	}
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })
	return nil
}

// Route evaluates every enabled rule in priority order against env,
// executing the first match's actions. Evaluation continues past a match
// only when the matched rule is itself the default catch-all (Priority
// 1000 and above), matching the source's "stop after first match unless
// it's the default route" rule.
func (e *Engine) Route(env *envelope.Envelope) Result {
	result := Result{}
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if !e.evaluateConditions(env, rule) {
			continue
		}
		result.MatchedRule = rule.Name
		for _, action := range rule.Actions {
			e.executeAction(env, action, &result)
		}
		if rule.Priority < 1000 {
			break
		}
	}
	return result
}

func (e *Engine) evaluateConditions(env *envelope.Envelope, rule Rule) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	for i, cond := range rule.Conditions {
		value, err := path.Resolve(*env, cond.Field)
		if err != nil {
			return false
		}
		if !evaluateCondition(value, cond, rule.regexCache[i]) {
			return false
		}
	}
	return true
}

func evaluateCondition(actual any, cond Condition, re *regexp.Regexp) bool {
	switch cond.Operator {
	case "==":
		return compareEqual(actual, cond.Value)
	case "!=":
		return !compareEqual(actual, cond.Value)
	case ">", ">=", "<", "<=":
		return compareOrdered(actual, cond.Value, cond.Operator)
	case "contains":
		return evalContains(actual, cond.Value)
	case "regex":
		if re == nil {
			return false
		}
		return re.MatchString(fmt.Sprint(actual))
	case "in":
		return evalIn(actual, cond.Value)
	case "not_in":
		return !evalIn(actual, cond.Value)
	default:
		return false
	}
}

func compareEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareOrdered(actual, expected any, op string) bool {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)
	if !aok || !bok {
		return false
	}
	switch op {
	case ">":
		return af > bf
	case ">=":
		return af >= bf
	case "<":
		return af < bf
	case "<=":
		return af <= bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func evalContains(actual, expected any) bool {
	if actual == nil {
		return false
	}
	if list, ok := actual.([]any); ok {
		for _, item := range list {
			if compareEqual(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
}

func evalIn(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return compareEqual(actual, expected)
	}
	for _, item := range list {
		if compareEqual(item, actual) {
			return true
		}
	}
	return false
}

// executeAction dispatches one RouteAction, recording its outcome into
// result. Forward mutates Destinations directly; transform invokes the
// named rule in the wired transformation engine and replaces env in place
// so a following forward sees the transformed envelope; drop sets the
// terminal Dropped flag; log is audit-only, matching the source's
// routing_service.
func (e *Engine) executeAction(env *envelope.Envelope, action Action, result *Result) {
	switch action.Type {
	case "forward":
		env.Header.Destinations = append(env.Header.Destinations, action.Target)
		result.addAction("forward", action.Target, map[string]any{"success": true})
	case "transform":
		if e.transformer == nil {
			result.Error = fmt.Sprintf("transform action %q: no transformation engine wired", action.Target)
			return
		}
		rule, ok := e.transformer.Lookup(action.Target)
		if !ok {
			result.Error = fmt.Sprintf("transform action: unknown rule %q", action.Target)
			return
		}
		out, err := e.transformer.Apply(*env, rule)
		if err != nil {
			result.Error = fmt.Sprintf("transform action %q: %v", action.Target, err)
			return
		}
		*env = out
		result.addAction("transform", action.Target, map[string]any{"success": true, "parameters": action.Parameters})
	case "drop":
		result.Dropped = true
		result.addAction("drop", "", nil)
	case "log":
		result.addAction("log", "", map[string]any{"parameters": action.Parameters})
	default:
		result.Error = fmt.Sprintf("unknown action type: %s", action.Type)
	}
}

// RecordResult writes result into env.Header.Metadata["routing"], the audit
// trail location SPEC_FULL §4.9 requires.
func RecordResult(env *envelope.Envelope, result Result) {
	if env.Header.Metadata == nil {
		env.Header.Metadata = map[string]any{}
	}
	env.Header.Metadata["routing"] = map[string]any{
		"matched_rule":  result.MatchedRule,
		"actions_taken": result.ActionsTaken,
		"error":         result.Error,
		"dropped":       result.Dropped,
	}
}

// DefaultRules returns the built-in rule set this engine starts with,
// mirroring _load_default_rules: HL7 ADT -> adt processor, FHIR Patient ->
// patient registry, FHIR Observation -> clinical data processor, and a
// catch-all default route.
func DefaultRules(defaultRoute string) []Rule {
	return []Rule{
		{
			Name:        "route-hl7v2-adt",
			Description: "Route HL7 v2 ADT messages to the ADT processor",
			Priority:    10,
			Enabled:     true,
			Conditions: []Condition{
				{Field: "header.content_type", Operator: "contains", Value: "hl7-v2"},
				{Field: "header.message_type", Operator: "regex", Value: "^ADT_"},
			},
			Actions: []Action{{Type: "forward", Target: "adt_processor"}},
		},
		{
			Name:        "route-fhir-patient",
			Description: "Route FHIR Patient resources to the patient registry",
			Priority:    10,
			Enabled:     true,
			Conditions: []Condition{
				{Field: "body.content_type", Operator: "contains", Value: "fhir+json"},
				{Field: "body.content.resourceType", Operator: "==", Value: "Patient"},
			},
			Actions: []Action{{Type: "forward", Target: "patient_registry"}},
		},
		{
			Name:        "route-fhir-observation",
			Description: "Route FHIR Observation resources to the clinical data processor",
			Priority:    10,
			Enabled:     true,
			Conditions: []Condition{
				{Field: "body.content_type", Operator: "contains", Value: "fhir+json"},
				{Field: "body.content.resourceType", Operator: "==", Value: "Observation"},
			},
			Actions: []Action{{Type: "forward", Target: "clinical_data_processor"}},
		},
		{
			Name:        "default-route",
			Description: "Default route for all unmatched messages",
			Priority:    1000,
			Enabled:     true,
			Conditions:  nil,
			Actions:     []Action{{Type: "forward", Target: defaultRoute}},
		},
	}
}
