// Package types converts the loosely typed values found in query result rows.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ToFloat64 converts a result value to float64. The second return value is
// false for nil and for values with no numeric reading.
func ToFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt64 converts a result value to int64, truncating floats. Returns 0
// when the value has no numeric reading.
func ToInt64(v interface{}) int64 {
	switch i := v.(type) {
	case int64:
		return i
	case int:
		return int64(i)
	case json.Number:
		if n, err := i.Int64(); err == nil {
			return n
		}
	}
	f, ok := ToFloat64(v)
	if !ok {
		return 0
	}
	return int64(f)
}

// ToString renders a result value as a sample string.
func ToString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// ToStrings converts a list value to strings. A non-list value yields nil.
func ToStrings(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, ToString(item))
		}
		return out
	default:
		return nil
	}
}

// IsBooleanLiteral reports whether a sample string is one of the accepted
// boolean spellings: true, false, 0 or 1.
func IsBooleanLiteral(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "false", "0", "1":
		return true
	}
	return false
}
