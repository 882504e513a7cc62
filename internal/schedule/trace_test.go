package schedule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const offsetTrace = `{"reports":[
 {"report_type":"energy","instance_name":"e1","time_start":100,"time_stop":101},
 {"report_type":"energy","instance_name":"e2","time_start":102,"time_stop":103.5},
 {"report_type":"energy","instance_name":"e3","time_start":105,"time_stop":106},
 {"report_type":"signal","instance_name":"s2","time_start":104,"time_stop":110,"energy_set":["e3"],"profile":"fsk2"},
 {"report_type":"signal","instance_name":"s1","time_start":100,"time_stop":106,"energy_set":["e1","e2","e3"],"profile":"psk2"},
 {"report_type":"source","instance_name":"src0","device_origin":"","signal_set":["s1"]},
 {"report_type":"source","instance_name":"src1","device_origin":"serial=B","signal_set":["s2"]}
]}`

func TestLoadTraceNormalizesAndSummarizes(t *testing.T) {
	tr, err := LoadTrace([]byte(offsetTrace), KindReplay)
	require.NoError(t, err)
	require.Len(t, tr.Energies, 3)
	require.Len(t, tr.Signals, 2)
	require.Len(t, tr.Sources, 2)

	require.Equal(t, "s1", tr.Signals[0].InstanceName(), "signals sorted by start")
	start, _ := tr.Signals[0].Start()
	require.Equal(t, 0.0, start)
	stop, _ := tr.Signals[1].Stop()
	require.Equal(t, 10.0, stop)
	require.Equal(t, 10.0, tr.Runtime)

	dwell, ok := tr.Signals[0].Float("avg_dwell")
	require.True(t, ok)
	require.InDelta(t, 3.5/3, dwell, 1e-9)
	period, ok := tr.Signals[0].Float("avg_period")
	require.True(t, ok)
	require.InDelta(t, 2.5, period, 1e-9)
	_, ok = tr.Signals[1].Float("avg_dwell")
	require.False(t, ok, "single energy signals carry no averages")

	require.Equal(t, []string{"src0", "serial=B"}, tr.Origins)
}

func TestLoadTraceRejectsGarbage(t *testing.T) {
	_, err := LoadTrace([]byte("not json"), KindReplay)
	require.Error(t, err)
	_, err = LoadTrace([]byte(`{"other":1}`), KindReplay)
	require.Error(t, err)
}

func TestNeededRadios(t *testing.T) {
	mk := func(a, b float64) Signal {
		return NewSignal(map[string]any{"time_start": a, "time_stop": b})
	}
	require.Equal(t, 0, NeededRadios(nil))
	require.Equal(t, 1, NeededRadios([]Signal{mk(0, 1), mk(2, 3)}))
	require.Equal(t, 2, NeededRadios([]Signal{mk(0, 5), mk(3, 8), mk(6, 10)}))
	require.Equal(t, 2, NeededRadios([]Signal{mk(0, 5), mk(5, 8)}))
	require.Equal(t, 3, NeededRadios([]Signal{mk(0, 10), mk(1, 9), mk(2, 8), mk(9.5, 12)}))
}
