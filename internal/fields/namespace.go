// Package fields builds the flat field namespace a workflow execution runs
// against: the host event's payload and extras, overlaid by the results of
// every step executed so far.
package fields

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OtherKey is the extras entry whose scalar members are flattened into the
// namespace under the OtherPrefix.
const (
	OtherKey    = "other"
	OtherPrefix = "other_"
)

// Namespace maps a field name to a scalar value.
// A Namespace is owned by a single execution run; helpers in this package
// never mutate their inputs and always return a fresh map.
type Namespace map[string]any

// Aggregate builds the namespace for one execution attempt.
//
// Payload keys go in first, extras overwrite them, a nested "other" mapping
// is flattened to other_<key> and removed, and finally every scalar entry of
// results overwrites what is there. Non-scalar values are dropped wherever
// they appear. Arguments that are not mappings are treated as empty.
func Aggregate(payload, extras, results any) Namespace {
	merged := make(map[string]any)
	if m, ok := asMap(payload); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	if m, ok := asMap(extras); ok {
		for k, v := range m {
			merged[k] = v
		}
	}

	ns := make(Namespace, len(merged))
	for k, v := range merged {
		if k == OtherKey {
			if other, ok := asMap(v); ok {
				for ok2, ov := range other {
					if IsScalar(ov) {
						ns[OtherPrefix+ok2] = normalize(ov)
					}
				}
				continue
			}
		}
		if IsScalar(v) {
			if _, flattened := ns[k]; flattened && strings.HasPrefix(k, OtherPrefix) {
				// A flattened other_<key> wins over a same-named top-level field.
				continue
			}
			ns[k] = normalize(v)
		}
	}

	if m, ok := asMap(results); ok {
		for k, v := range m {
			if IsScalar(v) {
				ns[k] = normalize(v)
			}
		}
	}
	return ns
}

// Overlay returns a copy of ns with every scalar entry of delta applied on top.
func (ns Namespace) Overlay(delta map[string]any) Namespace {
	out := make(Namespace, len(ns)+len(delta))
	for k, v := range ns {
		out[k] = v
	}
	for k, v := range delta {
		if IsScalar(v) {
			out[k] = normalize(v)
		}
	}
	return out
}

// Clone returns a shallow copy of ns.
func (ns Namespace) Clone() Namespace {
	return ns.Overlay(nil)
}

// Names returns the field names in ascending order.
func (ns Namespace) Names() []string {
	names := make([]string, 0, len(ns))
	for k := range ns {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String returns the string form of the named field and whether it exists.
func (ns Namespace) String(name string) (string, bool) {
	v, ok := ns[name]
	if !ok {
		return "", false
	}
	return Stringify(v), true
}

// Map exposes ns as a plain map for expression engines.
func (ns Namespace) Map() map[string]any {
	return map[string]any(ns)
}

// Merge returns acc with every scalar entry of delta applied on top. It is the
// accumulator counterpart of Overlay, used for the persisted step results.
func Merge(acc, delta map[string]any) map[string]any {
	out := make(map[string]any, len(acc)+len(delta))
	for k, v := range acc {
		out[k] = v
	}
	for k, v := range delta {
		if IsScalar(v) {
			out[k] = normalize(v)
		}
	}
	return out
}

// IsScalar reports whether v is a string, boolean or number.
// nil, slices, maps and structs are not scalar.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// Stringify renders a scalar the way templates show it.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// TypeName classifies a scalar for the field learning table.
func TypeName(v any) string {
	switch normalize(v).(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	default:
		return "unknown"
	}
}

// Types maps every field of ns to its TypeName.
func (ns Namespace) Types() map[string]string {
	types := make(map[string]string, len(ns))
	for name, v := range ns {
		types[name] = TypeName(v)
	}
	return types
}

// normalize converts decoder-level json.Number values into int64 or float64
// so expression engines see native numbers.
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Namespace:
		return m, true
	default:
		return nil, false
	}
}
