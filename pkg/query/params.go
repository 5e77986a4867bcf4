package query

import (
	"fmt"
	"math"
	"strconv"
)

// Params are the free-form parameters of a query_local request
type Params map[string]interface{}

// String returns the string value of key, or "" when missing
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns key as an integer. JSON numbers arrive as float64 and numeric
// strings are accepted. Missing or non-numeric values yield def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return def
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
