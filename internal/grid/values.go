package grid

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FallbackText is the answer used for string columns that never resolved.
const FallbackText = "Unable to determine an answer for this cell"

// Fallback returns the typed default written for a query that never resolved.
func Fallback(t ValueType) any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return 0
	case TypeStringArray:
		return []string{}
	case TypeIntArray:
		return []int{}
	default:
		return FallbackText
	}
}

// Coerce converts a decoded answer into the representation used for a
// column of type t: int, bool, string, []int or []string. A nil value stays
// nil. Answers nested as {"answer": v} are unwrapped first.
func Coerce(t ValueType, v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["answer"]; ok {
			return Coerce(t, inner)
		}
	}
	if v == nil {
		return nil
	}
	switch t {
	case TypeInt:
		return toInt(v)
	case TypeBool:
		return toBool(v)
	case TypeIntArray:
		items, ok := asList(v)
		if !ok {
			return []int{toInt(v)}
		}
		out := make([]int, 0, len(items))
		for _, it := range items {
			out = append(out, toInt(it))
		}
		return out
	case TypeStringArray:
		items, ok := asList(v)
		if !ok {
			return []string{FormatValue(v)}
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, FormatValue(it))
		}
		return out
	default:
		return FormatValue(v)
	}
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	}
	return nil, false
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
		if f, err := x.Float64(); err == nil {
			return int(f)
		}
	case bool:
		if x {
			return 1
		}
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, ",", ""))
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f)
		}
	}
	return 0
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}

// FormatValue renders a cell value as text, used for back-reference
// substitution and filter matching.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		return strings.Join(x, ", ")
	case []int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = FormatValue(it)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...)
	case []int:
		return append([]int{}, x...)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = cloneValue(it)
		}
		return out
	default:
		return v
	}
}
