package pipeline

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// findProp looks a property up by case-insensitive key and returns its
// value with the key actually present.
func findProp(props geojson.Properties, key string) (string, any, bool) {
	if v, ok := props[key]; ok {
		return key, v, true
	}

	for k, v := range props {
		if strings.EqualFold(k, key) {
			return k, v, true
		}
	}

	return "", nil, false
}

// stringProp returns a property as a non-empty string, case-insensitive on
// the key.
func stringProp(props geojson.Properties, key string) (string, bool) {
	_, v, ok := findProp(props, key)
	if !ok {
		return "", false
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}

	return s, true
}

// intProp parses a property into an int the permissive way population
// columns need: numbers pass through, numeric strings are parsed.
func intProp(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		if n == "" {
			return 0, false
		}

		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}

		return int(parsed), true
	default:
		return 0, false
	}
}

// isNumericProp reports whether a value can serve as a population
// indicator.
func isNumericProp(v any) bool {
	_, ok := intProp(v)

	return ok
}
