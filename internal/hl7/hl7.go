// Package hl7 implements the engine's ER7 parser and required-segment
// validator (SPEC_FULL §4.5), grounded on original_source's
// backend/app/core/messaging/hl7.py and hl7_processor.py for the
// field/component/subcomponent splitting rules and on
// services/processing/hl7_validation_service.py for the required-segment
// registry shape.
package hl7

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidFormat  = errors.New("hl7: invalid_format")
	ErrMissingSegment = errors.New("hl7: missing_segment")
)

// Document is the structured parse result: segment ID -> occurrences (to
// support repeating segments like OBX) -> fields, 1-based and addressable
// as Document[id][occurrence][fieldNumber]. Document[id][occ][0] is always
// the segment ID itself, matching the convention used by internal/path.
type Document map[string][][]any

// Delimiters captures the MSH-derived separator characters.
type Delimiters struct {
	Field        byte
	Component    byte
	Subcomponent byte
}

// Parse decodes raw ER7 bytes into a Document. UTF-8 decoding falls back to
// the replacement character for invalid sequences rather than failing
// outright, matching the source's "decode as UTF-8, fallback replacement"
// rule.
func Parse(raw []byte) (Document, Delimiters, error) {
	text := toValidUTF8(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	lines := strings.Split(text, "\r")

	var msh string
	for _, l := range lines {
		if strings.HasPrefix(l, "MSH") {
			msh = l
			break
		}
	}
	if msh == "" || len(msh) < 8 {
		return nil, Delimiters{}, fmt.Errorf("%w: no MSH segment", ErrInvalidFormat)
	}
	delims := Delimiters{
		Field:        msh[3],
		Component:    msh[4],
		Subcomponent: msh[5],
	}

	doc := Document{}
	for _, line := range lines {
		line = strings.TrimRight(line, "\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		segID, fields, err := parseSegment(line, delims)
		if err != nil {
			return nil, delims, err
		}
		doc[segID] = append(doc[segID], fields)
	}

	mshFields := doc["MSH"]
	if len(mshFields) == 0 || len(mshFields[0]) < 12 {
		return nil, delims, fmt.Errorf("%w: MSH has fewer than 12 fields", ErrInvalidFormat)
	}
	return doc, delims, nil
}

// parseSegment splits one segment line into its 1-based field list.
// fields[0] is always the segment ID string; for MSH, fields[1] is
// synthesized as the field separator character (never present literally in
// the split, since it IS the delimiter) and fields[2] as the raw encoding
// characters run (component/subcomponent/escape/repetition).
func parseSegment(line string, d Delimiters) (string, []any, error) {
	sepStr := string(d.Field)
	if len(line) < 3 {
		return "", nil, fmt.Errorf("%w: segment too short: %q", ErrInvalidFormat, line)
	}
	segID := line[:3]
	if segID == "MSH" {
		if len(line) < 8 {
			return "", nil, fmt.Errorf("%w: MSH too short", ErrInvalidFormat)
		}
		encChars := line[4:8]
		rest := line[8:]
		rest = strings.TrimPrefix(rest, sepStr)
		parts := strings.Split(rest, sepStr)
		fields := make([]any, 0, len(parts)+3)
		fields = append(fields, "MSH", string(d.Field), encChars)
		for _, p := range parts {
			fields = append(fields, parseField(p, d))
		}
		return "MSH", fields, nil
	}

	rest := strings.TrimPrefix(line[3:], sepStr)
	parts := strings.Split(rest, sepStr)
	fields := make([]any, 0, len(parts)+1)
	fields = append(fields, segID)
	for _, p := range parts {
		fields = append(fields, parseField(p, d))
	}
	return segID, fields, nil
}

// parseField splits a raw field value into components/subcomponents. A
// field with no component separator is returned as a bare string; one with
// components becomes []any, each element a string or (if subcomponents
// are present) a further []any.
func parseField(raw string, d Delimiters) any {
	if !strings.ContainsRune(raw, rune(d.Component)) {
		return raw
	}
	comps := strings.Split(raw, string(d.Component))
	out := make([]any, 0, len(comps))
	for _, c := range comps {
		if strings.ContainsRune(c, rune(d.Subcomponent)) {
			subs := strings.Split(c, string(d.Subcomponent))
			subsAny := make([]any, len(subs))
			for i, s := range subs {
				subsAny[i] = s
			}
			out = append(out, subsAny)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// Serialize re-encodes a Document back to ER7 text using the given
// delimiters, used to verify the round-trip parsing invariant.
func Serialize(doc Document, order []string, d Delimiters) string {
	var b strings.Builder
	for _, segID := range order {
		for _, fields := range doc[segID] {
			if segID == "MSH" {
				b.WriteString("MSH")
				b.WriteByte(d.Field)
				// fields[2] holds the raw encoding-characters run.
				if len(fields) > 2 {
					if s, ok := fields[2].(string); ok {
						b.WriteString(s)
					}
				}
				for i := 3; i < len(fields); i++ {
					b.WriteByte(d.Field)
					b.WriteString(serializeField(fields[i], d))
				}
				b.WriteString("\r")
				continue
			}
			b.WriteString(segID)
			for i := 1; i < len(fields); i++ {
				b.WriteByte(d.Field)
				b.WriteString(serializeField(fields[i], d))
			}
			b.WriteString("\r")
		}
	}
	return b.String()
}

func serializeField(v any, d Delimiters) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, c := range t {
			switch cv := c.(type) {
			case string:
				parts[i] = cv
			case []any:
				subs := make([]string, len(cv))
				for j, s := range cv {
					subs[j] = fmt.Sprint(s)
				}
				parts[i] = strings.Join(subs, string(d.Subcomponent))
			default:
				parts[i] = fmt.Sprint(cv)
			}
		}
		return strings.Join(parts, string(d.Component))
	default:
		return fmt.Sprint(t)
	}
}

func toValidUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// MessageType reads MSH-9 (message type, e.g. ADT^A01 -> "ADT_A01").
func MessageType(doc Document) string {
	v := fieldString(doc, "MSH", 9)
	if v == "" {
		return ""
	}
	return strings.ReplaceAll(v, "^", "_")
}

// MessageControlID reads MSH-10.
func MessageControlID(doc Document) string {
	return fieldString(doc, "MSH", 10)
}

func fieldString(doc Document, segID string, idx int) string {
	occs := doc[segID]
	if len(occs) == 0 || idx >= len(occs[0]) {
		return ""
	}
	switch v := occs[0][idx].(type) {
	case string:
		return v
	case []any:
		// Rejoin components (e.g. MSH-9's type^trigger_event) so callers
		// like MessageType see the full field, not just its first component.
		parts := make([]string, len(v))
		for i, c := range v {
			if s, ok := c.(string); ok {
				parts[i] = s
			}
		}
		return strings.Join(parts, "^")
	}
	return ""
}

// RequiredSegments is the message-type-indexed registry of segments that
// must be present for the message to validate.
var RequiredSegments = map[string][]string{
	"ADT_A01": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A02": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A03": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A04": {"MSH", "EVN", "PID", "PV1"},
	"ADT_A08": {"MSH", "EVN", "PID", "PV1"},
	"ORU_R01": {"MSH", "PID", "OBR", "OBX"},
	"ORM_O01": {"MSH", "PID", "ORC"},
}

// Validate checks the required-segment registry, returning the first
// missing segment name on failure. The MSH field-count rule is enforced
// by Parse, not here.
func Validate(doc Document, messageType string) error {
	required, ok := RequiredSegments[messageType]
	if !ok {
		// Unknown message types still require the universal minimum.
		required = []string{"MSH"}
	}
	for _, seg := range required {
		if len(doc[seg]) == 0 {
			return fmt.Errorf("%w: Missing required segment: %s", ErrMissingSegment, seg)
		}
	}
	return nil
}
