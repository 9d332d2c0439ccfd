package types

import (
	"slices"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Values maps a case-insensitive key to a list of string values.
// It is used to store URI and header parameters.
type Values map[string][]string

// Get returns values associated with the given key.
func (vals Values) Get(key string) []string { return vals[util.LCase(key)] }

// Last returns the last value associated with the key.
func (vals Values) Last(key string) (string, bool) {
	v := vals[util.LCase(key)]
	if len(v) == 0 {
		return "", false
	}
	return v[len(v)-1], true
}

// Set sets the key to value. It replaces any existing values.
func (vals Values) Set(key, value string) Values {
	vals[util.LCase(key)] = []string{value}
	return vals
}

// Append adds the value to the key.
func (vals Values) Append(key, value string) Values {
	key = util.LCase(key)
	vals[key] = append(vals[key], value)
	return vals
}

// Del deletes the values associated with the key.
func (vals Values) Del(key string) Values {
	delete(vals, util.LCase(key))
	return vals
}

// Has checks whether a given key is in the map.
func (vals Values) Has(key string) bool {
	_, ok := vals[util.LCase(key)]
	return ok
}

// Clone returns a deep copy of the map.
func (vals Values) Clone() Values {
	if vals == nil {
		return nil
	}
	out := make(Values, len(vals))
	for k, vs := range vals {
		out[k] = slices.Clone(vs)
	}
	return out
}

// Render renders parameters as ";k=v" pairs in alphabetical key order.
func (vals Values) Render(sep byte) string {
	if len(vals) == 0 {
		return ""
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for _, k := range keys {
		for _, v := range vals[k] {
			if sep != '&' || sb.Len() > 0 {
				sb.WriteByte(sep)
			}
			sb.WriteString(k)
			if v != "" {
				sb.WriteByte('=')
				sb.WriteString(v)
			}
		}
	}
	return sb.String()
}

// ParseValues parses a "k1=v1;k2;k3=v3" parameter list.
func ParseValues(s string, sep byte) Values {
	vals := make(Values)
	for s != "" {
		var part string
		part, s, _ = util.CutUnquoted(s, sep)
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		vals.Append(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return vals
}
