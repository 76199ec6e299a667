package engine

import (
	"encoding/json"
	"strings"

	"github.com/SouthPatron/reasonchip/errors"
)

// Variables is the free-form variable set handed to workflow steps.
// Merging is right-biased and deep for nested maps, which is how run-time
// overrides layer over a runner's defaults.
type Variables map[string]any

// Clone returns a deep copy. Nested map[string]any values are copied;
// other values are shared.
func (v Variables) Clone() Variables {
	if v == nil {
		return Variables{}
	}
	out := make(Variables, len(v))
	for k, val := range v {
		if m, ok := val.(map[string]any); ok {
			out[k] = map[string]any(Variables(m).Clone())
			continue
		}
		out[k] = val
	}
	return out
}

// Merge layers other over v, right-biased. When both sides hold a nested
// map under the same key the maps are merged recursively; any other
// conflict is resolved in favour of other.
func (v Variables) Merge(other Variables) Variables {
	out := v.Clone()
	for k, val := range other {
		ours, exists := out[k]
		if exists {
			om, ook := ours.(map[string]any)
			nm, nok := val.(map[string]any)
			if ook && nok {
				out[k] = map[string]any(Variables(om).Merge(Variables(nm)))
				continue
			}
		}
		if m, ok := val.(map[string]any); ok {
			out[k] = map[string]any(Variables(m).Clone())
			continue
		}
		out[k] = val
	}
	return out
}

// SetPath assigns a value at a dotted key path, creating intermediate
// maps as needed. Used by the CLI --set option.
func (v Variables) SetPath(path string, value any) error {
	if path == "" {
		return errors.New("empty variable path")
	}

	parts := strings.Split(path, ".")
	cur := map[string]any(v)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			m := map[string]any{}
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return errors.Newf("variable path %q collides with non-map value at %q", path, p)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// GetPath reads a value at a dotted key path.
func (v Variables) GetPath(path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := map[string]any(v)
	for i, p := range parts {
		val, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		cur, ok = val.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

// ParseJSON decodes a JSON object into a Variables set. An empty string
// yields an empty set.
func ParseJSON(data string) (Variables, error) {
	if data == "" {
		return Variables{}, nil
	}
	var v Variables
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, errors.Wrap(err, "failed to parse variables")
	}
	if v == nil {
		v = Variables{}
	}
	return v, nil
}

// EncodeJSON renders the variable set as JSON, or empty for a nil set.
func EncodeJSON(v Variables) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode variables")
	}
	return string(data), nil
}
