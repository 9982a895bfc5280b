package reconcile

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

func getNestedHelper(
	path []string,
	m map[string]interface{},
	index int,
) (interface{}, bool) {
	if index >= len(path) {
		return nil, false
	}

	v, ok := m[path[index]]
	if !ok {
		return nil, false
	}

	if index+1 == len(path) {
		return v, v != nil
	}

	switch u := v.(type) {
	case map[string]interface{}:
		return getNestedHelper(path, u, index+1)

	case map[interface{}]interface{}:
		return getNestedHelper(path, cast.ToStringMap(u), index+1)

	default:
		return nil, false
	}
}

// getNestedValue resolves a dotted path such as "manager.mail" inside the
// loosely typed field map of a provider record.
func getNestedValue(path string, m map[string]interface{}) (interface{}, bool) {
	return getNestedHelper(strings.Split(path, "."), m, 0)
}

func getString(m map[string]interface{}, path string) string {
	v, ok := getNestedValue(path, m)
	if !ok {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

// getFirstString returns the first non-empty value among the given paths.
func getFirstString(m map[string]interface{}, paths ...string) string {
	for _, p := range paths {
		if s := getString(m, p); s != "" {
			return s
		}
	}
	return ""
}

func getInt64(m map[string]interface{}, path string) (int64, bool) {
	v, ok := getNestedValue(path, m)
	if !ok {
		return 0, false
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getBool(m map[string]interface{}, path string) (bool, bool) {
	v, ok := getNestedValue(path, m)
	if !ok {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// windows FILETIME epoch (1601-01-01) expressed in unix seconds
const fileTimeEpochOffset = 11644473600

// getTime accepts RFC3339-ish strings, unix seconds and AD FILETIME values
// (100ns intervals since 1601).
func getTime(m map[string]interface{}, path string) (time.Time, bool) {
	v, ok := getNestedValue(path, m)
	if !ok {
		return time.Time{}, false
	}

	switch u := v.(type) {
	case string:
		if n, err := cast.ToInt64E(u); err == nil {
			return timeFromNumber(n)
		}
		t, err := cast.ToTimeE(u)
		if err != nil || t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true

	case time.Time:
		return u.UTC(), !u.IsZero()
	}

	n, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}, false
	}
	return timeFromNumber(n)
}

func timeFromNumber(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false

	// anything past year 5000 in seconds is a FILETIME
	case n > 95617584000:
		return time.Unix(n/10000000-fileTimeEpochOffset, 0).UTC(), true
	}

	return time.Unix(n, 0).UTC(), true
}
