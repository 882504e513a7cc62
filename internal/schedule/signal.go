package schedule

import (
	"fmt"
	"math"
	"strconv"
)

// Signal is one signal report or config entry. Unknown fields are kept so
// they reach the generator untouched.
type Signal struct {
	Fields map[string]any
}

// NewSignal wraps fields, allocating when nil.
func NewSignal(fields map[string]any) Signal {
	if fields == nil {
		fields = map[string]any{}
	}
	return Signal{Fields: fields}
}

// String returns the field as text, or "".
func (s Signal) String(key string) string {
	v, ok := s.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Float returns the numeric field.
func (s Signal) Float(key string) (float64, bool) {
	return ToFloat(s.Fields[key])
}

// InstanceName is the report identity.
func (s Signal) InstanceName() string { return s.String("instance_name") }

// Start is time_start.
func (s Signal) Start() (float64, bool) { return s.Float("time_start") }

// Stop is time_stop.
func (s Signal) Stop() (float64, bool) { return s.Float("time_stop") }

// Profile returns the generator profile the signal should replay with.
func (s Signal) Profile() string {
	for _, key := range []string{"profile", "wg_profile_name", "mod_src_name"} {
		if p := s.String(key); p != "" {
			return p
		}
	}
	return ""
}

// Clone copies the top level fields.
func (s Signal) Clone() Signal {
	out := make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = v
	}
	return Signal{Fields: out}
}

// ToFloat converts the numeric shapes produced by JSON and YAML decoders.
func ToFloat(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ToInt converts integral numbers. Floats with a fractional part are refused.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
