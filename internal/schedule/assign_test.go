package schedule

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func traceOf(origin string, windows ...[2]float64) *Trace {
	tr := &Trace{Flags: KindReplay}
	for i, w := range windows {
		tr.Signals = append(tr.Signals, NewSignal(map[string]any{
			"instance_name": fmt.Sprintf("sig%d", i),
			"time_start":    w[0],
			"time_stop":     w[1],
			"profile":       "psk2",
		}))
		tr.Origins = append(tr.Origins, origin)
		if w[1] > tr.Runtime {
			tr.Runtime = w[1]
		}
	}
	return tr
}

func TestAssignTraceTwoRadioScenario(t *testing.T) {
	radios := []string{"serial=A", "serial=B"}
	tr := traceOf("serial=A", [2]float64{0, 5}, [2]float64{3, 8}, [2]float64{6, 10})

	for seedWord := uint64(0); seedWord < 8; seedWord++ {
		got := AssignTrace(tr, radios, Seed{seedWord}, zerolog.Nop())
		require.Equal(t, [][]int{{0, 2}, {1}}, got.PerRadio, "seed %d", seedWord)
		require.Empty(t, got.Dropped)
		require.Equal(t, []int{0, 1, 0}, got.RadioOf)
	}
}

func TestAssignTraceDeterministicForSeed(t *testing.T) {
	radios := []string{"r0", "r1", "r2", "r3"}
	var windows [][2]float64
	for i := 0; i < 40; i++ {
		s := float64(i%7) * 1.5
		windows = append(windows, [2]float64{s, s + 2})
	}
	tr := traceOf("elsewhere", windows...)

	a := AssignTrace(tr, radios, Seed{42, 7}, zerolog.Nop())
	b := AssignTrace(tr, radios, Seed{42, 7}, zerolog.Nop())
	require.Equal(t, a, b)

	for r, sigs := range a.PerRadio {
		var tracker Tracker
		for _, idx := range sigs {
			start, _ := tr.Signals[idx].Start()
			stop, _ := tr.Signals[idx].Stop()
			if !tracker.Available(start, stop) {
				t.Fatalf("radio %d double booked by signal %d", r, idx)
			}
			tracker.Reserve(start, stop)
		}
	}
	require.Equal(t, len(tr.Signals), countAssigned(a)+len(a.Dropped))
}

func TestAssignTraceDropsWhenFull(t *testing.T) {
	tr := traceOf("x", [2]float64{0, 10}, [2]float64{1, 2}, [2]float64{11, 12})
	got := AssignTrace(tr, []string{"only"}, Seed{}, zerolog.Nop())
	require.Equal(t, []int{1}, got.Dropped)
	require.Equal(t, [][]int{{0, 2}}, got.PerRadio)
}

func TestAssignTraceDropsWithoutProfile(t *testing.T) {
	tr := traceOf("x", [2]float64{0, 1})
	delete(tr.Signals[0].Fields, "profile")
	got := AssignTrace(tr, []string{"r0"}, Seed{}, zerolog.Nop())
	require.Equal(t, []int{0}, got.Dropped)
}

func TestAssignmentRequest(t *testing.T) {
	radios := []string{"serial=A", "serial=B"}
	tr := traceOf("serial=A", [2]float64{0, 5}, [2]float64{3, 8})
	a := AssignTrace(tr, radios, Seed{1}, zerolog.Nop())
	req := a.Request(tr, radios, rand.New(rand.NewPCG(1, 2)))

	require.Equal(t, []string{"serial=A", "serial=B"}, req.RadioOrder())
	require.Len(t, req.Radios["serial=A"].Entries, 1)
	entry := req.Radios["serial=B"].Entries[0]
	require.Equal(t, 3.0, *entry.Timing[0])
	require.Equal(t, 8.0, *entry.Timing[1])
	require.Equal(t, KindReplay, req.Flags)
	require.Equal(t, 8.0, req.Runtime)
}

func TestAssignDeclarative(t *testing.T) {
	radios := []string{"type=b200,serial=AAA", "type=x300,serial=BBB", "type=b200,serial=CCC"}
	signals := []Signal{
		NewSignal(map[string]any{"device": "type=x300,serial=BBB"}),
		NewSignal(map[string]any{"device": "CCC"}),
		NewSignal(map[string]any{"device": []any{float64(0), "BBB"}}),
		NewSignal(map[string]any{}),
		NewSignal(map[string]any{"device": "nothing"}),
		NewSignal(map[string]any{"device": 9}),
	}
	got := AssignDeclarative(signals, radios)
	require.Equal(t, [][]int{{1}, {2}, {0, 1}, {0, 1, 2}, {0, 1, 2}, {0, 1, 2}}, got)
}

func countAssigned(a Assignment) int {
	n := 0
	for _, sigs := range a.PerRadio {
		n += len(sigs)
	}
	return n
}
