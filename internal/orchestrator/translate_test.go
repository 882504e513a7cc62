package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateStaticBandWithoutRate(t *testing.T) {
	out, err := TranslateConfig(map[string]any{
		"mode":    "static",
		"profile": "bpsk",
		"freq_lo": 2.4e9,
		"freq_hi": 2.5e9,
		"gain":    40,
	}, testRand())
	require.NoError(t, err)
	require.Equal(t, 2.45e9, out["frequency"])
	require.Equal(t, 100e6, out["rate"])
	require.Equal(t, 40, out["gain"])
	require.Equal(t, "bpsk", out["profile"])
	require.NotContains(t, out, "hopper")
}

func TestTranslateStaticDrawsCarrierInsideBand(t *testing.T) {
	rng := testRand()
	for i := 0; i < 50; i++ {
		out, err := TranslateConfig(map[string]any{
			"band_center": 2.45e9,
			"span":        100e6,
			"rate":        1e6,
		}, rng)
		require.NoError(t, err)
		f := out["frequency"].(float64)
		require.GreaterOrEqual(t, f, 2.4e9+0.5e6)
		require.LessOrEqual(t, f, 2.5e9-0.5e6)
	}
}

func TestTranslateNormalizesBandwidthAndStrings(t *testing.T) {
	in := map[string]any{"rate": "1000000", "bw": 50e3, "frequency": "915e6"}
	out, err := TranslateConfig(in, testRand())
	require.NoError(t, err)
	require.InDelta(t, 0.05, out["bw"], 1e-12)
	require.Equal(t, 1e6, out["rate"])
	require.Equal(t, 915000000, out["frequency"])
	require.Equal(t, "1000000", in["rate"], "input must not change")
}

func TestTranslatePartialBandIsAnError(t *testing.T) {
	_, err := TranslateConfig(map[string]any{"freq_lo": 2.4e9}, testRand())
	require.Error(t, err)
}

func TestTranslateHopper(t *testing.T) {
	out, err := TranslateConfig(map[string]any{
		"mode":         "hopper",
		"duration":     10.0,
		"idle":         0.5,
		"signal_limit": 2,
		"dwell":        1.0,
		"absence":      1.0,
	}, testRand())
	require.NoError(t, err)
	require.Equal(t, true, out["hopper"])
	require.Equal(t, false, out["bursty"])
	require.InDelta(t, 20.5, out["duration"], 1e-9)
	require.Equal(t, 2.0, out["period"])
	require.Equal(t, 1.0, out["dwell"])
	require.Equal(t, 0.5, out["loop_delay"])
	require.Equal(t, 10, out["num_bursts"])
	require.Equal(t, 1, out["num_loops"])
}

func TestTranslateBurstyAndLimits(t *testing.T) {
	out, err := TranslateConfig(map[string]any{"mode": "bursty", "period": 4.0}, testRand())
	require.NoError(t, err)
	require.Equal(t, true, out["hopper"])
	require.Equal(t, true, out["bursty"])
	require.Equal(t, 4.0, out["dwell"])
	require.Equal(t, defaultLoopDelay, out["loop_delay"])
	require.NotContains(t, out, "num_bursts")

	_, err = TranslateConfig(map[string]any{"mode": "hopper", "signal_limit": 3}, testRand())
	require.Error(t, err)
}

func TestTranslateReplay(t *testing.T) {
	out, err := TranslateConfig(map[string]any{
		"mode":          "replay",
		"instance_name": "sig-1",
		"center_freq":   2437.0,
		"freq_lo":       2430.0,
		"freq_hi":       2440.0,
		"sample_rate":   20e6,
		"power":         0.5,
		"energy_set":    []any{"a", "b", "c"},
		"time_start":    1.0,
		"time_stop":     4.0,
		"avg_period":    0.2,
	}, testRand())
	require.NoError(t, err)
	require.Equal(t, 2.437e9, out["frequency"])
	require.Equal(t, 20e6, out["rate"])
	require.InDelta(t, 0.5, out["span"], 1e-12)
	require.InDelta(t, 0.5, out["bw"], 1e-12)
	require.Equal(t, 42, out["gain"])
	require.Equal(t, true, out["hopper"])
	require.Equal(t, true, out["bursty"])
	require.Equal(t, 3, out["num_bursts"])
	require.Equal(t, 3.0, out["duration"])
	require.Equal(t, 0.2, out["period"])
}

func TestTranslateReplayFrequencyAgile(t *testing.T) {
	out, err := TranslateConfig(map[string]any{
		"mode":       "replay",
		"modality":   "frequency_agile",
		"freq_lo":    2400.0,
		"freq_hi":    2400.0005,
		"energy_set": 1,
	}, testRand())
	require.NoError(t, err)
	require.Equal(t, 2.45e9, out["frequency"])
	require.Equal(t, 0.7, out["bw"])
	require.Equal(t, true, out["hopper"])
	require.Equal(t, false, out["bursty"])
}
