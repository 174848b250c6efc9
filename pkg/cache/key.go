package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NullSentinel marks an optional parameter that was not supplied.
// Absent parameters are never omitted from the key, so {minPrice: null}
// and {} derive identical keys.
const NullSentinel = "null"

// Params holds a request's query parameters before normalization.
// Values may be strings, numbers, booleans, nil, or lists thereof.
type Params map[string]any

// Key is a deterministic identifier for a logically unique request.
type Key struct {
	// Endpoint is the logical endpoint identifier (e.g., "price-drops")
	Endpoint string

	// Fields are the normalized parameters, sorted by name
	Fields []KeyField
}

// KeyField is a single normalized parameter.
type KeyField struct {
	Name  string
	Value string
}

// NewKey derives the cache key for an endpoint from its declared parameter
// names and the supplied values. Parameters missing from params, or supplied
// as nil, are rendered with the null sentinel.
func NewKey(endpoint string, names []string, params Params) Key {
	fields := make([]KeyField, 0, len(names))
	for _, name := range names {
		value, ok := params[name]
		if !ok {
			value = nil
		}
		fields = append(fields, KeyField{
			Name:  strings.ToLower(name),
			Value: normalizeValue(value),
		})
	}

	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})

	return Key{
		Endpoint: strings.ToLower(strings.Trim(endpoint, "/")),
		Fields:   fields,
	}
}

// String generates the deterministic cache key string.
// Format: wp:endpoint:param1=val1:param2=val2
//
// Example:
//
//	wp:price-drops:category=null:mindiscount=10:timerange=24h
func (k Key) String() string {
	parts := []string{"wp"}

	if k.Endpoint != "" {
		parts = append(parts, k.Endpoint)
	}

	for _, f := range k.Fields {
		parts = append(parts, fmt.Sprintf("%s=%s", f.Name, f.Value))
	}

	return strings.Join(parts, ":")
}

// normalizeValue canonicalizes a parameter value. Strings are case-folded
// and trimmed, numbers rendered in a fixed decimal form, and list values
// normalized element-wise and sorted.
func normalizeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return NullSentinel
	case string:
		return normalizeString(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case []string:
		normalized := make([]string, len(v))
		for i, s := range v {
			normalized[i] = normalizeString(s)
		}
		sort.Strings(normalized)
		return strings.Join(normalized, ",")
	case []any:
		normalized := make([]string, len(v))
		for i, e := range v {
			normalized[i] = normalizeValue(e)
		}
		sort.Strings(normalized)
		return strings.Join(normalized, ",")
	default:
		return normalizeString(fmt.Sprintf("%v", v))
	}
}

func normalizeString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return NullSentinel
	}
	return s
}

// formatFloat renders a number without exponent notation and without
// trailing zeros, so 10, 10.0 and 1e1 all canonicalize to "10".
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
