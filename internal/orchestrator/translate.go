package orchestrator

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/wfgen/wfgen/internal/schedule"
)

// Translation modes of a signal config.
const (
	modeStatic = "static"
	modeHopper = "hopper"
	modeBursty = "bursty"
	modeReplay = "replay"
)

const (
	defaultIdle      = 0.05
	defaultLoopDelay = 0.05
	minReplayBW      = 0.0011
	replayGainScale  = 85
)

// TranslateConfig maps a resolved signal config (declarative or recorded)
// onto generator parameters. The result carries "hopper" and "bursty" flags
// that select the launch variant; everything else is a generator parameter.
func TranslateConfig(in map[string]any, rng *rand.Rand) (map[string]any, error) {
	w := make(map[string]any, len(in))
	for k, v := range in {
		w[k] = sanitize(v)
	}
	out := map[string]any{}
	mode := strings.ToLower(strFrom(w["mode"]))

	var defRate float64
	var err error
	switch mode {
	case modeHopper, modeBursty:
		defRate, err = translateHopper(w, out, mode, rng)
	case modeReplay:
		defRate = translateReplay(w, out)
	default:
		defRate, err = translateStatic(w, out, rng)
	}
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"json", "profile"} {
		if v, ok := w[key]; ok {
			out[key] = v
		}
	}

	if bw, ok := schedule.ToFloat(out["bw"]); ok && bw > 1 {
		rate, ok := schedule.ToFloat(out["rate"])
		if !ok || rate == 0 {
			rate = defRate
		}
		if rate > 0 {
			out["bw"] = bw / rate
		}
	}
	if truthyValue(out["hopper"]) {
		finishHopper(w, out)
	}
	return out, nil
}

func translateStatic(w, out map[string]any, rng *rand.Rand) (float64, error) {
	defRate := 0.0
	if _, ok := w["rate"]; !ok {
		defRate = 100e3
	}
	if err := translateBand(w, out, rng); err != nil {
		return 0, err
	}
	copyKeys(w, out, rng, [][2]string{
		{"gain", "gain"}, {"bw", "bw"}, {"duration", "duration"}, {"mod_index", "mod_index"},
		{"cpfsk_type", "cpfsk_type"}, {"symbol_rate", "symbol_rate"}, {"src_fq", "src_fq"},
	})
	return defRate, nil
}

func translateHopper(w, out map[string]any, mode string, rng *rand.Rand) (float64, error) {
	defRate := 0.0
	if _, ok := w["rate"]; !ok {
		defRate = 40e6
		ebw, ok1 := schedule.ToFloat(w["energy_bw"])
		bw, ok2 := schedule.ToFloat(w["bw"])
		if ok1 && ok2 && bw != 0 {
			defRate = ebw / bw
		}
	}
	if err := translateBand(w, out, rng); err != nil {
		return 0, err
	}
	copyKeys(w, out, rng, [][2]string{
		{"gain", "gain"}, {"bw", "bw"}, {"idle", "loop_delay"}, {"mod_index", "mod_index"},
		{"cpfsk_type", "cpfsk_type"}, {"symbol_rate", "symbol_rate"}, {"linear_hop", "linear_hop"},
	})
	out["hopper"] = true
	out["bursty"] = mode == modeBursty

	if dur, ok := schedule.ToFloat(w["duration"]); ok {
		idle := floatOr(w["idle"], defaultIdle)
		limit := floatOr(w["signal_limit"], 1)
		out["duration"] = limit*(dur+idle) - idle
	} else if _, ok := w["signal_limit"]; ok {
		return 0, errors.New("signal_limit is set but duration is not")
	}

	dwell, hasDwell := schedule.ToFloat(w["dwell"])
	absence, hasAbsence := schedule.ToFloat(w["absence"])
	period, hasPeriod := schedule.ToFloat(w["period"])
	switch {
	case hasPeriod && hasDwell:
		out["period"], out["dwell"] = period, dwell
	case hasPeriod && hasAbsence:
		out["period"], out["dwell"] = period, period-absence
	case hasDwell && hasAbsence:
		out["period"], out["dwell"] = dwell+absence, dwell
	case hasPeriod:
		out["period"], out["dwell"] = period, period
	case hasDwell:
		out["period"], out["dwell"] = dwell, dwell
	case hasAbsence:
		out["period"], out["dwell"] = absence*2, absence
	}
	return defRate, nil
}

// translateReplay handles recorded signal reports, whose frequencies are in
// MHz and whose power is a 0..1 fraction.
func translateReplay(w, out map[string]any) float64 {
	rate, ok := schedule.ToFloat(w["sample_rate"])
	if !ok {
		rate = 1e6
		ebw, ok1 := schedule.ToFloat(w["energy_bw"])
		bw, ok2 := schedule.ToFloat(w["bw"])
		if ok1 && ok2 && bw != 0 {
			rate = ebw / bw
		}
	}
	agile := strFrom(w["modality"]) == "frequency_agile"

	if anyKey(w, "center_freq", "reference_freq", "freq_hi", "freq_lo", "sample_rate") {
		switch {
		case hasFloat(w, "center_freq"):
			out["frequency"] = floatOr(w["center_freq"], 0) * 1e6
		case hasFloat(w, "reference_freq"):
			out["frequency"] = floatOr(w["reference_freq"], 0) * 1e6
		default:
			out["frequency"] = 2.45e9
		}
		out["rate"] = rate
		lo, ok1 := schedule.ToFloat(w["freq_lo"])
		hi, ok2 := schedule.ToFloat(w["freq_hi"])
		if ok1 && ok2 {
			span := math.Trunc((hi-lo)*1e6) / rate
			out["span"] = span
			bw := span
			if agile {
				bw = 0.7
			}
			if bw < 0.001 {
				bw = minReplayBW
			}
			out["bw"] = bw
		}
	}
	if p, ok := schedule.ToFloat(w["power"]); ok {
		out["gain"] = int(p * replayGainScale)
	}
	if v, ok := w["energy_set"]; ok {
		n := energyCount(v)
		bursty := !agile && n > 1
		out["bursty"] = bursty
		out["hopper"] = agile || bursty
		out["num_bursts"] = n
		out["num_loops"] = 1
	}
	start, ok1 := schedule.ToFloat(w["time_start"])
	stop, ok2 := schedule.ToFloat(w["time_stop"])
	if ok1 && ok2 {
		out["time_start"], out["time_stop"] = start, stop
		out["duration"] = stop - start
	}
	if v, ok := schedule.ToFloat(w["avg_period"]); ok {
		out["period"] = v
	}
	if v, ok := schedule.ToFloat(w["avg_dwell"]); ok {
		out["dwell"] = v
	}
	return rate
}

// translateBand derives a carrier and sample rate from band_center/span or
// freq_lo/freq_hi. With a fixed rate the carrier is drawn so the whole
// channel fits inside the band.
func translateBand(w, out map[string]any, rng *rand.Rand) error {
	center, hasCenter := schedule.ToFloat(w["band_center"])
	span, hasSpan := schedule.ToFloat(w["span"])
	lo, hasLo := schedule.ToFloat(w["freq_lo"])
	hi, hasHi := schedule.ToFloat(w["freq_hi"])
	rate, hasRate := schedule.ToFloat(w["rate"])

	var bound [2]float64
	switch {
	case hasCenter && hasSpan:
		bound = [2]float64{center - span/2, center + span/2}
	case hasLo && hasHi:
		bound = [2]float64{lo, hi}
	case hasCenter || hasSpan || hasLo || hasHi:
		return errors.New("band needs band_center with span or freq_lo with freq_hi")
	default:
		if f, ok := w["frequency"]; ok {
			out["frequency"] = randomSpace(f, rng)
		}
		if hasRate {
			out["rate"] = rate
		}
		return nil
	}
	if !hasRate {
		out["frequency"] = (bound[0] + bound[1]) / 2
		out["rate"] = bound[1] - bound[0]
		return nil
	}
	if bound[0]+rate/2 >= bound[1]-rate/2 {
		out["frequency"] = (bound[0] + bound[1]) / 2
	} else {
		out["frequency"] = uniform(rng, bound[0]+rate/2, bound[1]-rate/2)
	}
	out["rate"] = rate
	return nil
}

// finishHopper fills the hop count from the total duration when the config
// did not fix it.
func finishHopper(w, out map[string]any) {
	if _, ok := out["loop_delay"]; !ok {
		out["loop_delay"] = defaultLoopDelay
	}
	if v, ok := out["num_bursts"]; ok && v != nil {
		return
	}
	dur, ok := schedule.ToFloat(out["duration"])
	if !ok {
		return
	}
	period, ok := schedule.ToFloat(out["period"])
	if !ok {
		dwell, hasDwell := schedule.ToFloat(out["dwell"])
		absence, hasAbsence := schedule.ToFloat(w["absence"])
		switch {
		case hasDwell && hasAbsence:
			period = dwell + absence
		case hasDwell:
			period = dwell
		case hasAbsence:
			period = absence * 2
			out["dwell"] = absence
		default:
			return
		}
		out["period"] = period
	}
	if period <= 0 {
		return
	}
	bursts := int(math.Floor(dur / period))
	if bursts < 1 {
		bursts = 1
	}
	out["num_bursts"] = bursts
	out["num_loops"] = 1
}

// copyKeys moves w[from] to out[to], drawing any {min, max} range. The
// order of keys fixes the order of draws.
func copyKeys(w, out map[string]any, rng *rand.Rand, keys [][2]string) {
	for _, k := range keys {
		if v, ok := w[k[0]]; ok {
			out[k[1]] = randomSpace(v, rng)
		}
	}
}

// sanitize turns numeric strings into numbers and YAML text back into
// structure, the way configs written by hand and configs that travelled as
// text both end up the same.
func sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitize(item)
		}
		return out
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				return int(f)
			}
			return f
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(t), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]any, []any:
				return parsed
			}
		}
		return t
	}
	return v
}

func energyCount(v any) int {
	if n, ok := schedule.ToInt(v); ok {
		return n
	}
	if list, ok := v.([]any); ok {
		return len(list)
	}
	return 0
}

func strFrom(v any) string {
	s, _ := v.(string)
	return s
}

func floatOr(v any, fallback float64) float64 {
	if f, ok := schedule.ToFloat(v); ok {
		return f
	}
	return fallback
}

func hasFloat(m map[string]any, key string) bool {
	_, ok := schedule.ToFloat(m[key])
	return ok
}

func anyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func truthyValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	f, ok := schedule.ToFloat(v)
	return ok && f != 0
}
