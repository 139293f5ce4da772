package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ClaimSet is the decoded payload of one token. Values stay in their wire
// form; the Value accessors normalize scalars and lists on demand. A claim
// set exists only for the duration of one request evaluation.
type ClaimSet map[string]Value

// Value is one claim value: a scalar (string, number, bool, null), a list of
// scalars, or something the service does not interpret (nested objects).
type Value struct {
	raw any
}

func parseClaims(payload []byte) (ClaimSet, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}
	cs := make(ClaimSet, len(m))
	for k, v := range m {
		cs[k] = Value{raw: v}
	}
	return cs, nil
}

func stringifyScalar(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// Scalar returns the claim rendered as a single string. It fails for lists
// and nested structures.
func (v Value) Scalar() (string, bool) {
	return stringifyScalar(v.raw)
}

// IsList reports whether the claim is a JSON array.
func (v Value) IsList() bool {
	_, ok := v.raw.([]any)
	return ok
}

// Strings returns the claim as a set of strings for membership tests: a
// scalar becomes a one-element set, a list of scalars becomes its elements.
// Nested structures are not comparable and return false.
func (v Value) Strings() ([]string, bool) {
	if list, ok := v.raw.([]any); ok {
		out := make([]string, 0, len(list))
		for _, el := range list {
			s, ok := stringifyScalar(el)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	s, ok := stringifyScalar(v.raw)
	if !ok {
		return nil, false
	}
	return []string{s}, true
}

// Time interprets the claim as a NumericDate (seconds since epoch, possibly
// fractional).
func (v Value) Time() (time.Time, bool) {
	n, ok := v.raw.(json.Number)
	if !ok {
		return time.Time{}, false
	}
	f, err := n.Float64()
	if err != nil {
		return time.Time{}, false
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*float64(time.Second))), true
}
