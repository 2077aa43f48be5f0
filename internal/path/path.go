// Package path implements the envelope's typed field-path resolver,
// grounded on services/normalizer/internal/engine/mapper.go's dot-path
// evaluator (parsePath/Get over map[string]any + key[index] syntax) but
// generalized to dispatch over the envelope's tagged body variant per
// SPEC_FULL §4.7 instead of walking a single generic map.
//
// This is deliberately not a reflective walk: a path that doesn't match its
// variant's shape is ErrNotFound, never a panic and never a silently
// coerced zero value.
package path

import (
	"errors"
	"strconv"
	"strings"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/hl7"
)

var (
	ErrInvalidPath = errors.New("path: invalid path")
	ErrNotFound    = errors.New("path: field_not_found")
)

type segment struct {
	key    string
	hasIdx bool
	idx    int
}

func parse(p string) ([]segment, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, ErrInvalidPath
	}
	parts := strings.Split(p, ".")
	out := make([]segment, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, ErrInvalidPath
		}
		if strings.Contains(part, "[") {
			key, rest, ok := strings.Cut(part, "[")
			if !ok || strings.TrimSpace(key) == "" || !strings.HasSuffix(rest, "]") {
				return nil, ErrInvalidPath
			}
			idxStr := strings.TrimSuffix(rest, "]")
			i, err := strconv.Atoi(idxStr)
			if err != nil || i < 0 {
				return nil, ErrInvalidPath
			}
			out = append(out, segment{key: key, hasIdx: true, idx: i})
			continue
		}
		// bare numeric segment is treated as an index rather than a map
		// key: a 1-based HL7 field/component index ("PID.5.1"), or a
		// 0-based array index in JSON content ("name.0.family").
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, segment{key: "", hasIdx: true, idx: n})
			continue
		}
		out = append(out, segment{key: part})
	}
	return out, nil
}

// Resolve evaluates dotPath against env, dispatching on the envelope's body
// variant for "body.*" paths and against the header struct for "header.*"
// paths.
func Resolve(env envelope.Envelope, dotPath string) (any, error) {
	segs, err := parse(dotPath)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, ErrInvalidPath
	}
	switch segs[0].key {
	case "header":
		return resolveHeader(env, segs[1:])
	case "body":
		return resolveBody(env, segs[1:])
	default:
		return nil, ErrInvalidPath
	}
}

func resolveHeader(env envelope.Envelope, segs []segment) (any, error) {
	if len(segs) == 0 {
		return nil, ErrNotFound
	}
	switch segs[0].key {
	case "message_id":
		return env.Header.MessageID, nil
	case "correlation_id":
		return env.Header.CorrelationID, nil
	case "message_type":
		return env.Header.MessageType, nil
	case "message_control_id":
		return env.Header.MessageControlID, nil
	case "content_type":
		return env.Header.ContentType, nil
	case "source":
		return env.Header.Source, nil
	case "status":
		return string(env.Header.Status), nil
	case "retry_count":
		return env.Header.RetryCount, nil
	case "metadata":
		return walkGenericMap(env.Header.Metadata, segs[1:])
	default:
		return nil, ErrNotFound
	}
}

func resolveBody(env envelope.Envelope, segs []segment) (any, error) {
	if len(segs) == 0 {
		return nil, ErrNotFound
	}
	switch segs[0].key {
	case "content_type":
		return env.Body.ContentType, nil
	case "schema_id":
		return env.Body.SchemaID, nil
	case "metadata":
		return walkGenericMap(env.Body.Metadata, segs[1:])
	case "content":
		return resolveContent(env, segs[1:])
	default:
		return nil, ErrNotFound
	}
}

func resolveContent(env envelope.Envelope, segs []segment) (any, error) {
	switch env.Body.Variant {
	case envelope.VariantHL7Structured:
		structured, ok := env.Body.Content.(hl7.Document)
		if !ok {
			return nil, ErrNotFound
		}
		return walkHL7(structured, segs)
	case envelope.VariantFHIRJSON:
		m, ok := env.Body.Content.(map[string]any)
		if !ok {
			return nil, ErrNotFound
		}
		return walkGenericMap(m, segs)
	default:
		// raw_bytes or unset: no path resolves.
		return nil, ErrNotFound
	}
}

// walkHL7 addresses a parsed HL7 document: structured[segID] is a slice of
// segment occurrences (repeats); each occurrence is a slice of fields,
// 1-based per HL7 convention (index 1 is the first field after the segment
// ID for non-MSH segments). Component and subcomponent indexes are 1-based
// too ("PID.5.1" is the first component of PID-5).
func walkHL7(doc hl7.Document, segs []segment) (any, error) {
	if len(segs) == 0 {
		return nil, ErrNotFound
	}
	segID := segs[0].key
	occurrences, ok := doc[segID]
	if !ok || len(occurrences) == 0 {
		return nil, ErrNotFound
	}
	occIdx := 0
	rest := segs[1:]
	if segs[0].hasIdx {
		occIdx = segs[0].idx
	}
	if occIdx < 0 || occIdx >= len(occurrences) {
		return nil, ErrNotFound
	}
	fields := occurrences[occIdx]
	if len(rest) == 0 {
		return fields, nil
	}
	var cur any = fields
	for depth, s := range rest {
		arr, ok := cur.([]any)
		if !ok {
			return nil, ErrNotFound
		}
		if !s.hasIdx {
			return nil, ErrInvalidPath
		}
		idx := s.idx
		if depth > 0 {
			// component lists have no leading segment-ID element
			idx--
		}
		if idx < 0 || idx >= len(arr) {
			return nil, ErrNotFound
		}
		cur = arr[idx]
	}
	return cur, nil
}

func walkGenericMap(m map[string]any, segs []segment) (any, error) {
	var cur any = m
	for _, s := range segs {
		if s.key == "" && s.hasIdx {
			// pure numeric segment: 0-based index into the current array.
			arr, ok := cur.([]any)
			if !ok || s.idx < 0 || s.idx >= len(arr) {
				return nil, ErrNotFound
			}
			cur = arr[s.idx]
			continue
		}
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, ErrNotFound
		}
		next, ok := asMap[s.key]
		if !ok {
			return nil, ErrNotFound
		}
		cur = next
		if s.hasIdx {
			arr, ok := cur.([]any)
			if !ok {
				return nil, ErrNotFound
			}
			if s.idx < 0 || s.idx >= len(arr) {
				return nil, ErrNotFound
			}
			cur = arr[s.idx]
		}
	}
	return cur, nil
}

// Set writes value into a generic map[string]any document at dotPath,
// creating intermediate maps/slices as needed — used by the transformation
// engine to build the target content tree. Unlike Resolve this does not
// dispatch on envelope variant; it always operates on the destination JSON
// tree a transformation rule is building.
func Set(doc map[string]any, dotPath string, value any) error {
	segs, err := parse(dotPath)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return ErrInvalidPath
	}
	var cur any = doc
	for i, s := range segs {
		last := i == len(segs)-1
		m, ok := cur.(map[string]any)
		if !ok {
			return ErrInvalidPath
		}
		if last {
			if s.hasIdx {
				arr, _ := m[s.key].([]any)
				arr = growSlice(arr, s.idx+1)
				arr[s.idx] = value
				m[s.key] = arr
				return nil
			}
			m[s.key] = value
			return nil
		}
		if s.hasIdx {
			arr, _ := m[s.key].([]any)
			arr = growSlice(arr, s.idx+1)
			if arr[s.idx] == nil {
				arr[s.idx] = map[string]any{}
			}
			m[s.key] = arr
			cur = arr[s.idx]
			continue
		}
		next, ok := m[s.key]
		if !ok {
			nm := map[string]any{}
			m[s.key] = nm
			cur = nm
			continue
		}
		cur = next
	}
	return nil
}

func growSlice(arr []any, n int) []any {
	if len(arr) >= n {
		return arr
	}
	out := make([]any, n)
	copy(out, arr)
	return out
}
