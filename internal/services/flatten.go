package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// FlattenOptions controls how tabular encoders turn nested extraction
// payloads into rows.
type FlattenOptions struct {
	// ExpandNestedObjects turns nested object fields into dot-notation
	// columns (address.city). When off, nested objects are serialized as
	// JSON strings in a single column.
	ExpandNestedObjects bool
	// UnwindArrays explodes array-valued fields into one output row per
	// element, expanded cartesian-style against the item's other columns.
	// When off, arrays are serialized as JSON strings.
	UnwindArrays bool
}

// FlattenFields turns one extraction payload into one or more flat rows.
// With no arrays (or unwinding off) the result is a single row.
func FlattenFields(fields map[string]any, opts FlattenOptions) []map[string]string {
	rows := []map[string]string{{}}
	for _, key := range sortedKeys(fields) {
		rows = cartesian(rows, flattenValue(key, fields[key], opts))
	}
	return rows
}

// flattenValue renders one field as a set of alternative partial rows:
// scalars and serialized composites produce one alternative, unwound arrays
// one per element.
func flattenValue(prefix string, v any, opts FlattenOptions) []map[string]string {
	switch val := v.(type) {
	case map[string]any:
		if !opts.ExpandNestedObjects {
			return []map[string]string{{prefix: jsonString(val)}}
		}
		partials := []map[string]string{{}}
		for _, key := range sortedKeys(val) {
			partials = cartesian(partials, flattenValue(prefix+"."+key, val[key], opts))
		}
		return partials
	case []any:
		if !opts.UnwindArrays {
			return []map[string]string{{prefix: jsonString(val)}}
		}
		if len(val) == 0 {
			return []map[string]string{{prefix: ""}}
		}
		var alts []map[string]string
		for _, elem := range val {
			alts = append(alts, flattenValue(prefix, elem, opts)...)
		}
		return alts
	default:
		return []map[string]string{{prefix: scalarString(v)}}
	}
}

// cartesian merges every row with every alternative of the next field.
func cartesian(rows, alts []map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows)*len(alts))
	for _, row := range rows {
		for _, alt := range alts {
			merged := make(map[string]string, len(row)+len(alt))
			for k, v := range row {
				merged[k] = v
			}
			for k, v := range alt {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
