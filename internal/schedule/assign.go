package schedule

import (
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog"
)

// Assignment is the outcome of placing trace signals on radios.
type Assignment struct {
	// PerRadio lists signal indices per radio in the order they were placed.
	PerRadio [][]int
	// Dropped lists signal indices that found no free radio.
	Dropped []int
	// RadioOf maps signal index to radio index, -1 when dropped.
	RadioOf []int
}

// AssignTrace places each trace signal on a radio without double booking.
// Signals are visited in start order. A signal goes to its origin radio when
// that radio is known and free, then to the radio previously chosen for the
// same origin, then to the first free radio found by probing forward from a
// random index. One generator drives the whole pass so a seed reproduces the
// plan.
func AssignTrace(tr *Trace, radios []string, seed Seed, logger zerolog.Logger) Assignment {
	rng := seed.Rand()
	trackers := make([]Tracker, len(radios))
	index := make(map[string]int, len(radios))
	for i, r := range radios {
		index[r] = i
	}
	fallback := map[string]int{}

	out := Assignment{
		PerRadio: make([][]int, len(radios)),
		RadioOf:  make([]int, len(tr.Signals)),
	}
	drop := func(idx int, why string) {
		out.RadioOf[idx] = -1
		out.Dropped = append(out.Dropped, idx)
		logger.Warn().Int("signal", idx).Str("instance", tr.Signals[idx].InstanceName()).Msg(why)
	}

	for idx, sig := range tr.Signals {
		if sig.Profile() == "" {
			drop(idx, "dropping signal without a replay profile")
			continue
		}
		start, _ := sig.Start()
		stop, _ := sig.Stop()
		origin := tr.Origins[idx]

		chosen := -1
		if r, ok := index[origin]; ok && trackers[r].Available(start, stop) {
			chosen = r
		}
		if chosen < 0 {
			if r, ok := fallback[origin]; ok && trackers[r].Available(start, stop) {
				chosen = r
			}
		}
		if chosen < 0 && len(radios) > 0 {
			chosen = firstFree(trackers, rng, start, stop)
			if chosen >= 0 {
				fallback[origin] = chosen
			}
		}
		if chosen < 0 {
			drop(idx, "dropping signal, no radio is free for its window")
			continue
		}
		trackers[chosen].Reserve(start, stop)
		out.PerRadio[chosen] = append(out.PerRadio[chosen], idx)
		out.RadioOf[idx] = chosen
	}
	return out
}

// firstFree scans the radios from a random start and returns the first one free
// for the window, or -1.
func firstFree(trackers []Tracker, rng *rand.Rand, start, stop float64) int {
	n := len(trackers)
	r := rng.IntN(n)
	for checked := 0; checked < n; checked++ {
		if trackers[r].Available(start, stop) {
			return r
		}
		r = (r + 1) % n
	}
	return -1
}

// Request turns the assignment into a schedule request. Each used radio gets
// a seed drawn from rng and its signals with their windows.
func (a Assignment) Request(tr *Trace, radios []string, rng *rand.Rand) *Request {
	req := NewRequest(tr.Runtime, tr.Flags, nil)
	for r, sigs := range a.PerRadio {
		for _, idx := range sigs {
			sig := tr.Signals[idx].Clone()
			sig.Fields["profile"] = sig.Profile()
			start, _ := sig.Start()
			stop, _ := sig.Stop()
			req.Append(radios[r], Entry{Signal: sig.Fields, Timing: Window(start, stop)}, rng)
		}
	}
	return req
}

// AssignDeclarative resolves each signal's "device" field into radio indices.
// Strings match an identity exactly, then as a substring of the first radio
// containing them. Integers are radio indices. Signals naming nothing that
// resolves are sent to every radio.
func AssignDeclarative(signals []Signal, radios []string) [][]int {
	out := make([][]int, len(signals))
	for i, sig := range signals {
		var picked []int
		for _, dev := range deviceList(sig.Fields["device"]) {
			if s, ok := dev.(string); ok {
				if r := exactIndex(radios, s); r >= 0 {
					picked = append(picked, r)
				} else if r := substringIndex(radios, s); r >= 0 {
					picked = append(picked, r)
				}
				continue
			}
			if n, ok := ToInt(dev); ok && n >= 0 && n < len(radios) {
				picked = append(picked, n)
			}
		}
		if len(picked) == 0 {
			picked = make([]int, len(radios))
			for r := range radios {
				picked[r] = r
			}
		}
		out[i] = picked
	}
	return out
}

func deviceList(v any) []any {
	switch d := v.(type) {
	case nil:
		return nil
	case []any:
		return d
	case []string:
		out := make([]any, len(d))
		for i, s := range d {
			out[i] = s
		}
		return out
	default:
		return []any{d}
	}
}

func exactIndex(radios []string, s string) int {
	for i, r := range radios {
		if r == s {
			return i
		}
	}
	return -1
}

func substringIndex(radios []string, s string) int {
	for i, r := range radios {
		if strings.Contains(r, s) {
			return i
		}
	}
	return -1
}
