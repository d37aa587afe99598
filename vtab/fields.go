package vtab

import (
	"fmt"
	"strings"
	"time"
)

// FieldKind is the closed set of column kinds the adapter understands. Each
// kind carries its own decode behavior; row normalization matches on the
// kind, never on a value's runtime type.
type FieldKind int

const (
	FieldUnknown FieldKind = iota
	FieldText
	FieldInteger
	FieldFloat
	FieldBoolean
	FieldDate
	FieldDateTime
	FieldReference
	FieldReferenceList
)

func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldInteger:
		return "integer"
	case FieldFloat:
		return "float"
	case FieldBoolean:
		return "boolean"
	case FieldDate:
		return "date"
	case FieldDateTime:
		return "datetime"
	case FieldReference:
		return "reference"
	case FieldReferenceList:
		return "reference_list"
	}
	return "unknown"
}

// KindOf maps an official Grist column type onto a FieldKind. Unrecognized
// types fall back to FieldUnknown, which decodes like text.
func KindOf(gristType string) FieldKind {
	t := strings.ToLower(strings.TrimSpace(gristType))
	switch {
	case t == "text", t == "choice":
		return FieldText
	case t == "numeric":
		return FieldFloat
	case strings.HasPrefix(t, "int"):
		return FieldInteger
	case t == "bool":
		return FieldBoolean
	case t == "date":
		return FieldDate
	case strings.HasPrefix(t, "datetime"):
		return FieldDateTime
	case strings.HasPrefix(t, "ref:"):
		return FieldReference
	case strings.HasPrefix(t, "reflist:"), t == "choicelist", t == "attachments":
		return FieldReferenceList
	}
	return FieldUnknown
}

// Decode converts a raw record value into the kind's Go representation.
// Grist encodes list values as ["L", elem, elem, ...]; the marker is dropped
// and the elements joined with commas. Dates arrive as unix seconds.
func (k FieldKind) Decode(v any) any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return joinList(list)
	}
	switch k {
	case FieldDate, FieldDateTime:
		if secs, ok := asSeconds(v); ok {
			return time.Unix(secs, 0).UTC()
		}
	case FieldInteger, FieldReference:
		// JSON numbers decode as float64; integer columns get their type back.
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	}
	return v
}

func joinList(list []any) string {
	if len(list) > 0 {
		if marker, ok := list[0].(string); ok && marker == "L" {
			list = list[1:]
		}
	}
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = fmt.Sprint(item)
	}
	return strings.Join(parts, ",")
}

func asSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
