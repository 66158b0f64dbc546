package spec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Attributes is a partial runner or image spec as found in the catalog, a
// repo config file or job labels.
type Attributes map[string]any

// Project keeps only the allowed keys. Unknown keys are dropped silently.
func Project(attrs Attributes, allowed []string) Attributes {
	out := make(Attributes)
	for _, key := range allowed {
		if v, ok := attrs[key]; ok && v != nil {
			out[key] = v
		}
	}
	return out
}

// merge copies src over dst, src wins.
func (a Attributes) merge(src Attributes) {
	for k, v := range src {
		a[k] = v
	}
}

// id renders the attributes as sorted key=value pairs joined with "-".
func (a Attributes) id() string {
	keys := lo.Keys(a)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+render(a[k]))
	}
	return strings.Join(parts, "-")
}

func render(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, "+")
	case []any:
		return strings.Join(toStrings(t), "+")
	case []int:
		return strings.Join(lo.Map(t, func(i int, _ int) string { return strconv.Itoa(i) }), "+")
	default:
		return fmt.Sprint(t)
	}
}

// toStrings flattens a scalar or list into strings, splitting on "+".
func toStrings(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		raw = []string{t}
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if item != nil {
				raw = append(raw, fmt.Sprint(item))
			}
		}
	case []int:
		for _, item := range t {
			raw = append(raw, strconv.Itoa(item))
		}
	default:
		raw = []string{fmt.Sprint(t)}
	}

	var out []string
	for _, s := range raw {
		for _, part := range strings.Split(s, "+") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// toScripts is like toStrings but never splits, scripts may contain "+".
func toScripts(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return lo.Compact(t)
	case []any:
		return lo.Compact(lo.Map(t, func(item any, _ int) string {
			if item == nil {
				return ""
			}
			return fmt.Sprint(item)
		}))
	default:
		return []string{fmt.Sprint(t)}
	}
}

func toInts(v any) []int {
	var out []int
	for _, s := range toStrings(v) {
		if n, ok := parseInt(s); ok {
			out = append(out, n)
		}
	}
	return out
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	ints := toInts(v)
	if len(ints) == 0 {
		return 0
	}
	return ints[0]
}

func parseInt(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	return 0, false
}

// toBool returns def when v is missing or not a boolean-like value.
func toBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return render(v)
}
