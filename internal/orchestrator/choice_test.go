package orchestrator

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRand() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestWiseChoice(t *testing.T) {
	rng := testRand()

	v, err := WiseChoice("x", nil, rng)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = WiseChoice("x", 42.5, rng)
	require.NoError(t, err)
	require.Equal(t, 42.5, v)

	v, err = WiseChoice("x", []any{}, rng)
	require.NoError(t, err)
	require.Equal(t, []any{}, v)

	for i := 0; i < 200; i++ {
		v, err = WiseChoice("gain", []any{30, 60}, rng)
		require.NoError(t, err)
		n, ok := v.(int64)
		require.True(t, ok, "%T", v)
		require.GreaterOrEqual(t, n, int64(30))
		require.LessOrEqual(t, n, int64(60))

		v, err = WiseChoice("freq", []any{1.5, 2.5}, rng)
		require.NoError(t, err)
		f := v.(float64)
		require.GreaterOrEqual(t, f, 1.5)
		require.Less(t, f, 2.5)

		v, err = WiseChoice("bands", []any{[]any{1.0, 2.0}, []any{10.0, 20.0}}, rng)
		require.NoError(t, err)
		f = v.(float64)
		require.True(t, (f >= 1 && f < 2) || (f >= 10 && f < 20), f)

		v, err = WiseChoice("profiles", []any{"bpsk", "qpsk"}, rng)
		require.NoError(t, err)
		require.Contains(t, []any{"bpsk", "qpsk"}, v)
	}

	_, err = WiseChoice("bad", []any{1.0, 2.0, 3.0}, rng)
	require.Error(t, err)
	_, err = WiseChoice("bad", []any{"a", 2.0}, rng)
	require.Error(t, err)
}

func TestWiseChoiceIsReproducible(t *testing.T) {
	limits := []any{[]any{5e3, 50e3}, []any{1e6, 2e6}}
	a, b := testRand(), testRand()
	for i := 0; i < 20; i++ {
		va, err := WiseChoice("bw", limits, a)
		require.NoError(t, err)
		vb, err := WiseChoice("bw", limits, b)
		require.NoError(t, err)
		require.Equal(t, va, vb)
	}
}

func TestResolveSignalChoices(t *testing.T) {
	cfg := map[string]any{
		"profile": []any{"bpsk", "qpsk"},
		"gain":    map[string]any{"dist": "uniform", "kind": "static", "min": 40.0, "max": 50.0},
		"rx_gain": []any{1, 2},
		"empty":   []any{},
		"bw":      map[string]any{"min": 0.1, "max": 0.2},
		"period":  map[string]any{"dist": "exponential", "kind": "dynamic", "mean": 2.0},
	}
	out, err := ResolveSignalChoices(cfg, testRand())
	require.NoError(t, err)

	require.Contains(t, []any{"bpsk", "qpsk"}, out["profile"])
	gain := out["gain"].(float64)
	require.GreaterOrEqual(t, gain, 40.0)
	require.Less(t, gain, 50.0)
	require.NotContains(t, out, "rx_gain")
	require.Equal(t, []any{}, out["empty"])
	require.Equal(t, cfg["bw"], out["bw"])
	require.IsType(t, "", out["period"])

	_, err = ResolveSignalChoices(map[string]any{
		"gain": map[string]any{"dist": "cauchy", "kind": "static"},
	}, testRand())
	require.Error(t, err)
}

func TestResolveSignalChoicesLeavesInputAlone(t *testing.T) {
	cfg := map[string]any{"profile": []any{"bpsk", "qpsk"}}
	_, err := ResolveSignalChoices(cfg, testRand())
	require.NoError(t, err)
	require.Equal(t, []any{"bpsk", "qpsk"}, cfg["profile"])
}
