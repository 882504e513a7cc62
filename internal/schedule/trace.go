package schedule

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Script kinds carried in the request flags.
const (
	KindConfig  = 0 // declarative configs
	KindTruth   = 1 // output-*-truth.json recordings
	KindSponsor = 2 // NGC recordings
	KindReplay  = 3 // any other {"reports": [...]} file, including our own
)

// IsTrace reports whether flags describe a recorded trace.
func IsTrace(flags int) bool { return flags >= KindTruth && flags <= KindReplay }

// Trace is a recorded truth file prepared for replay.
type Trace struct {
	Energies []Signal
	// Signals are sorted by start time after normalization.
	Signals []Signal
	Sources []Signal
	// Origins holds the device origin per signal, parallel to Signals.
	Origins []string
	Runtime float64
	Flags   int
}

// LoadTrace decodes a {"reports": [...]} document.
func LoadTrace(data []byte, flags int) (*Trace, error) {
	var doc struct {
		Reports []map[string]any `json:"reports"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode truth trace")
	}
	if doc.Reports == nil {
		return nil, errors.New("truth trace has no reports")
	}
	tr := &Trace{Flags: flags}
	for _, r := range doc.Reports {
		sig := NewSignal(r)
		switch sig.String("report_type") {
		case "energy":
			tr.Energies = append(tr.Energies, sig)
		case "signal":
			tr.Signals = append(tr.Signals, sig)
		case "source":
			tr.Sources = append(tr.Sources, sig)
		}
	}
	tr.normalize()
	tr.summarizeEnergies()

	sort.SliceStable(tr.Signals, func(i, j int) bool {
		a, _ := tr.Signals[i].Start()
		b, _ := tr.Signals[j].Start()
		return a < b
	})
	tr.Origins = make([]string, len(tr.Signals))
	for i, sig := range tr.Signals {
		tr.Origins[i] = tr.originOf(sig)
		if stop, ok := sig.Stop(); ok && stop > tr.Runtime {
			tr.Runtime = stop
		}
	}
	return tr, nil
}

// normalize shifts every time field so the earliest start is zero.
func (tr *Trace) normalize() {
	earliest := math.Inf(1)
	for _, group := range [][]Signal{tr.Energies, tr.Signals} {
		for _, s := range group {
			if v, ok := s.Start(); ok && v < earliest {
				earliest = v
			}
		}
	}
	if math.IsInf(earliest, 1) {
		return
	}
	for _, group := range [][]Signal{tr.Energies, tr.Signals, tr.Sources} {
		for _, s := range group {
			for k, v := range s.Fields {
				if !strings.Contains(k, "time") {
					continue
				}
				if _, isString := v.(string); isString {
					continue
				}
				if f, ok := ToFloat(v); ok {
					s.Fields[k] = f - earliest
				}
			}
		}
	}
}

// summarizeEnergies adds avg_dwell and avg_period to signals built from more
// than one energy.
func (tr *Trace) summarizeEnergies() {
	byName := make(map[string]Signal, len(tr.Energies))
	for _, e := range tr.Energies {
		byName[e.InstanceName()] = e
	}
	for _, sig := range tr.Signals {
		set := energySet(sig)
		if len(set) <= 1 {
			continue
		}
		var dwellSum, periodSum float64
		var dwells, periods int
		prevStart, havePrev := 0.0, false
		for _, name := range set {
			e, ok := byName[name]
			if !ok {
				continue
			}
			start, _ := e.Start()
			stop, _ := e.Stop()
			dwellSum += round(stop-start, 6)
			dwells++
			if havePrev {
				periodSum += round(start-prevStart, 6)
				periods++
			}
			prevStart, havePrev = start, true
		}
		if dwells > 0 {
			sig.Fields["avg_dwell"] = dwellSum / float64(dwells)
		}
		if periods > 0 {
			sig.Fields["avg_period"] = periodSum / float64(periods)
		}
	}
}

func (tr *Trace) originOf(sig Signal) string {
	name := sig.InstanceName()
	for _, src := range tr.Sources {
		for _, member := range stringList(src.Fields["signal_set"]) {
			if member != name {
				continue
			}
			if origin := src.String("device_origin"); origin != "" {
				return origin
			}
			return src.InstanceName()
		}
	}
	return name
}

// NeededRadios is the largest number of signal windows live at one instant.
// Touching windows count as concurrent.
func NeededRadios(signals []Signal) int {
	type event struct {
		at    float64
		delta int
	}
	events := make([]event, 0, 2*len(signals))
	for _, s := range signals {
		start, ok1 := s.Start()
		stop, ok2 := s.Stop()
		if !ok1 || !ok2 {
			continue
		}
		events = append(events, event{start, 1}, event{stop, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].delta > events[j].delta
	})
	live, peak := 0, 0
	for _, e := range events {
		live += e.delta
		if live > peak {
			peak = live
		}
	}
	return peak
}

func energySet(sig Signal) []string {
	return stringList(sig.Fields["energy_set"])
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
