package orchestrator

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/wfgen/wfgen/internal/schedule"
)

// WiseChoice draws a concrete value from a limit description:
//
//	nil            -> nil
//	[]             -> []
//	[[a,b],[c,d]]  -> one pair picked uniformly, then drawn from
//	["x","y",...]  -> one string picked uniformly
//	[lo,hi] ints   -> integer in [lo,hi]
//	[lo,hi]        -> float in [lo,hi)
//	scalar         -> itself
func WiseChoice(key string, limits any, rng *rand.Rand) (any, error) {
	list, ok := limits.([]any)
	if !ok {
		return limits, nil
	}
	if len(list) == 0 {
		return list, nil
	}
	for _, item := range list {
		if _, nested := item.([]any); nested {
			return WiseChoice(key, list[rng.IntN(len(list))], rng)
		}
	}
	if allStrings(list) {
		return list[rng.IntN(len(list))], nil
	}
	if len(list) != 2 {
		return nil, errors.Errorf("%s: cannot choose from %d values", key, len(list))
	}
	lo, loInt := asInt(list[0])
	hi, hiInt := asInt(list[1])
	if loInt && hiInt {
		if hi < lo {
			lo, hi = hi, lo
		}
		return lo + rng.Int64N(hi-lo+1), nil
	}
	flo, ok1 := schedule.ToFloat(list[0])
	fhi, ok2 := schedule.ToFloat(list[1])
	if !ok1 || !ok2 {
		return nil, errors.Errorf("%s: limits %v are not numeric", key, list)
	}
	return uniform(rng, flo, fhi), nil
}

func allStrings(list []any) bool {
	for _, v := range list {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}

// asInt accepts only integer typed values; 50.0 stays a float limit.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// ResolveSignalChoices collapses every choice in a signal config to a single
// value. Keys are visited in sorted order so a seed always yields the same
// config; receiver side keys (rx_*) are dropped.
func ResolveSignalChoices(cfg map[string]any, rng *rand.Rand) (map[string]any, error) {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(cfg))
	for _, key := range keys {
		if strings.HasPrefix(key, "rx_") {
			continue
		}
		item := cfg[key]
	resolve:
		for {
			switch v := item.(type) {
			case []any:
				if len(v) == 0 {
					break resolve
				}
				item = v[rng.IntN(len(v))]
			case map[string]any:
				if _, ok := v["dist"]; !ok {
					break resolve
				}
				if kind, _ := v["kind"].(string); kind != "static" {
					text, err := yaml.Marshal(v)
					if err != nil {
						return nil, errors.Wrapf(err, "encode dynamic %s", key)
					}
					item = string(text)
					break resolve
				}
				drawn, err := drawStatic(v, rng)
				if err != nil {
					return nil, errors.Wrapf(err, "resolve %s", key)
				}
				item = drawn
			default:
				break resolve
			}
		}
		out[key] = item
	}
	return out, nil
}

func drawStatic(d map[string]any, rng *rand.Rand) (float64, error) {
	num := func(name string) (float64, error) {
		f, ok := schedule.ToFloat(d[name])
		if !ok {
			return 0, errors.Errorf("%v distribution needs numeric %q", d["dist"], name)
		}
		return f, nil
	}
	switch d["dist"] {
	case "uniform", "log_uniform":
		lo, err := num("min")
		if err != nil {
			return 0, err
		}
		hi, err := num("max")
		if err != nil {
			return 0, err
		}
		if d["dist"] == "uniform" {
			return uniform(rng, lo, hi), nil
		}
		if lo <= 0 || hi <= 0 {
			return 0, errors.New("log_uniform bounds must be positive")
		}
		return math.Pow(10, uniform(rng, math.Log10(lo), math.Log10(hi))), nil
	case "gaussian":
		loc, err := num("loc")
		if err != nil {
			return 0, err
		}
		scale, err := num("scale")
		if err != nil {
			return 0, err
		}
		return loc + scale*rng.NormFloat64(), nil
	case "exponential":
		scale, err := num("scale")
		if err != nil {
			return 0, err
		}
		return scale * rng.ExpFloat64(), nil
	}
	return 0, errors.Errorf("unknown dist %v", d["dist"])
}

// randomSpace draws from a {min, max[, dist]} range; anything else passes
// through.
func randomSpace(v any, rng *rand.Rand) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	lo, ok1 := schedule.ToFloat(m["min"])
	hi, ok2 := schedule.ToFloat(m["max"])
	if !ok1 || !ok2 {
		return v
	}
	if m["dist"] == "log_uniform" && lo > 0 && hi > 0 {
		return math.Pow(10, uniform(rng, math.Log10(lo), math.Log10(hi)))
	}
	return uniform(rng, lo, hi)
}
