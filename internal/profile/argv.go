package profile

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	staticFlags = []Flag{
		{Param: "band"},
		{Param: "BW", Flag: "-B"},
		{Param: "bw", Flag: "-b"},
		{Param: "duration", Flag: "-d"},
		{Param: "frequency", Flag: "-f"},
		{Param: "gain", Flag: "-g"},
		{Param: "rate", Flag: "-r"},
	}
	burstyFlags = []Flag{
		{Param: "dwell", Flag: "-w"},
		{Param: "squelch", Flag: "-q"},
		{Param: "period", Flag: "-p"},
	}
	hopperFlags = []Flag{
		{Param: "num_bursts", Flag: "-H"},
		{Param: "span", Flag: "-s"},
		{Param: "num_channels", Flag: "-k"},
		{Param: "linear_hop", Flag: "-S"},
		{Param: "loop_delay", Flag: "-L"},
		{Param: "num_loops", Flag: "-l"},
	}
	jsonFlag = Flag{Param: "json", Flag: "-j"}
)

// Options select the launch variant of a profile.
type Options struct {
	// Hopper runs the profile through the frequency hopping generator.
	Hopper bool
	// Bursty is a hopper pinned to a single channel.
	Bursty bool
	// Rand draws a carrier inside a "lo,hi" band. Nil uses the band centre.
	Rand *rand.Rand
}

// Invocation is a ready to run generator command.
type Invocation struct {
	Argv []string
	// Companion is an optional helper started alongside the generator.
	Companion  []string
	Modulation string
	// Values holds every parameter that made it onto the command line.
	Values map[string]any
}

// Command builds the generator argument vector for profile name on the
// radio identified by radioArgs. Values in params win over the catalog
// defaults; nil values are never passed.
func (c *Catalog) Command(name, radioArgs string, params map[string]any, opts Options) (Invocation, error) {
	entry, ok := c.Profiles[name]
	if !ok {
		return Invocation{}, errors.Errorf("unknown profile %q", name)
	}
	fam := c.Families[entry.Family]
	hopper := opts.Hopper || opts.Bursty

	exe := fam.Executable
	if entry.Executable != "" {
		exe = entry.Executable
	}
	stats := map[string]any{}
	for k, v := range fam.Defaults {
		stats[k] = v
	}
	for k, v := range entry.Defaults {
		stats[k] = v
	}
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	delete(p, "hopper")
	delete(p, "quiet")

	table := append([]Flag{}, staticFlags...)
	for _, f := range fam.Extras {
		if entry.NoExtras {
			f.Flag = ""
		}
		table = append(table, f)
	}
	if hopper {
		exe = c.HopperExecutable
		for k, v := range c.HopperDefaults {
			stats[k] = v
		}
		if opts.Bursty {
			p["num_channels"] = 1
		}
		table = append(table, burstyFlags...)
		table = append(table, hopperFlags...)
	}
	table = append(table, jsonFlag)

	skip := map[string]bool{}
	if fam.SymbolRateReplacesBW {
		_, hasSR := p["symbol_rate"]
		_, hasBW := p["bw"]
		if hasSR && hasBW {
			if hopper {
				delete(p, "symbol_rate")
			} else {
				delete(p, "bw")
			}
		}
		if _, ok := p["symbol_rate"]; ok {
			delete(stats, "bw")
			skip["bw"] = true
		}
	}
	if err := resolveBand(p, stats, opts.Rand); err != nil {
		return Invocation{}, errors.Wrapf(err, "profile %s", name)
	}
	if hopper {
		resolveDwellSquelchPeriod(p, stats)
		if v, ok := p["duration"]; ok && v != nil {
			delete(p, "num_loops")
			skip["num_loops"] = true
		}
	}
	_, hasBW := p["bw"]
	_, hasWideBW := p["BW"]
	switch {
	case hasBW:
		delete(p, "BW")
		delete(stats, "BW")
		skip["BW"] = true
	case hasWideBW:
		skip["bw"] = true
	default:
		skip["BW"] = true
	}
	if _, ok := p["duration"]; !ok {
		skip["duration"] = true
	}

	argv := []string{exe, "-a", strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(radioArgs), "-a"))}
	values := map[string]any{}
	for _, f := range table {
		if f.Flag == "" || skip[f.Param] {
			continue
		}
		v, inParams := p[f.Param]
		if f.Optional && !inParams {
			continue
		}
		if !inParams {
			var ok bool
			if v, ok = stats[f.Param]; !ok {
				continue
			}
		}
		if f.Param == "linear_hop" {
			if truthy(v) {
				argv = append(argv, f.Flag)
				values[f.Param] = true
			}
			continue
		}
		if v == nil {
			continue
		}
		argv = append(argv, f.Flag, FormatValue(v))
		values[f.Param] = v
	}
	mod := entry.Modulation
	if mod == "" {
		mod = name
	}
	argv = append(argv, "-M", mod)

	inv := Invocation{Argv: argv, Modulation: mod, Values: values}
	if entry.Companion == "wav" && len(c.WavCompanion) > 0 {
		inv.Companion = append([]string(nil), c.WavCompanion...)
	}
	return inv, nil
}

// resolveBand turns band or bands into a concrete frequency unless one
// was given outright.
func resolveBand(p, stats map[string]any, rng *rand.Rand) error {
	for range 8 {
		if _, ok := p["frequency"]; ok {
			delete(p, "band")
			delete(p, "bands")
			stats["band"] = nil
			delete(stats, "bands")
			return nil
		}
		if band, ok := p["band"]; ok {
			if list, isList := band.([]any); isList {
				p["bands"] = list
				delete(p, "band")
				continue
			}
			text := fmt.Sprint(band)
			lo, hi, err := splitBand(text)
			if err != nil {
				return err
			}
			p["frequency"] = drawInt(int64(lo), int64(hi), rng)
			continue
		}
		bands, ok := p["bands"]
		if !ok {
			return nil
		}
		list, isList := bands.([]any)
		if !isList {
			p["band"] = bands
			delete(p, "bands")
			continue
		}
		if len(list) == 0 {
			delete(p, "bands")
			return nil
		}
		pick := list[0]
		if rng != nil {
			pick = list[rng.IntN(len(list))]
		}
		switch v := pick.(type) {
		case string:
			p["band"] = v
		case []any:
			if len(v) != 2 {
				return errors.Errorf("band %v must be a [low, high] pair", v)
			}
			lo, okLo := toFloat(v[0])
			hi, okHi := toFloat(v[1])
			if !okLo || !okHi {
				return errors.Errorf("band %v is not numeric", v)
			}
			p["frequency"] = drawInt(int64(lo), int64(hi), rng)
		default:
			f, ok := toFloat(v)
			if !ok {
				return errors.Errorf("cannot use %v as a band", v)
			}
			p["frequency"] = f
		}
		delete(p, "bands")
	}
	return errors.New("band and frequency options do not settle")
}

func splitBand(text string) (float64, float64, error) {
	lo, hi, found := strings.Cut(text, ",")
	if !found {
		return 0, 0, errors.Errorf("band %q expects the form 'low,high'", text)
	}
	l, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "band %q", text)
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "band %q", text)
	}
	return l, h, nil
}

func drawInt(lo, hi int64, rng *rand.Rand) int64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	if rng == nil {
		return lo + (hi-lo)/2
	}
	return lo + rng.Int64N(hi-lo+1)
}

// resolveDwellSquelchPeriod keeps the hopper timing triple consistent:
// whichever of dwell, squelch and period the caller set decides which
// defaults are dropped.
func resolveDwellSquelchPeriod(p, stats map[string]any) {
	_, pPeriod := p["period"]
	_, pDwell := p["dwell"]
	_, pSquelch := p["squelch"]
	switch {
	case pPeriod:
		if pDwell && pSquelch {
			delete(p, "squelch")
			stats["squelch"] = nil
		}
	case pDwell && pSquelch:
		stats["period"] = nil
	case pDwell:
		stats["squelch"] = nil
		stats["period"] = nil
	case pSquelch:
		stats["dwell"] = nil
		stats["period"] = nil
	default:
		_, sPeriod := stats["period"]
		_, sDwell := stats["dwell"]
		_, sSquelch := stats["squelch"]
		switch {
		case sPeriod:
			if sSquelch {
				stats["squelch"] = nil
			}
		case sDwell && sSquelch:
			stats["period"] = nil
		case sDwell:
			stats["period"] = nil
			stats["squelch"] = nil
		case sSquelch:
			stats["dwell"] = nil
			stats["period"] = nil
		}
	}
}

// FormatValue renders a parameter the way the generators parse it.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "none":
			return false
		}
		return true
	default:
		f, ok := toFloat(v)
		return !ok || f != 0
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
