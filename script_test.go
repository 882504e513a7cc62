package wfgen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/schedule"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func defaultCatalog(t *testing.T) *profile.Catalog {
	t.Helper()
	c, err := profile.Default()
	require.NoError(t, err)
	return c
}

func TestScriptFlags(t *testing.T) {
	cases := []struct {
		path string
		data string
		want int
	}{
		{"runs/output-0042-truth.json", `{}`, schedule.KindTruth},
		{"runs/NGC_capture.json", `{}`, schedule.KindSponsor},
		{"runs/report_of_truth.json", `{"reports": []}`, schedule.KindReplay},
		{"runs/main.json", `{"runtime": 3, /* note */ "configs": []}`, schedule.KindConfig},
		{"runs/broken.json", `{`, schedule.KindConfig},
	}
	for _, tc := range cases {
		if got := ScriptFlags(tc.path, []byte(tc.data)); got != tc.want {
			t.Fatalf("%s: got flags %d, want %d", tc.path, got, tc.want)
		}
	}
}

func TestLoadScriptDeclarative(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.json"), `{
		"runtime": 12.5,
		"configs": ["b_sig", "a_sig", "nested/**/deep*", "unknown"],
		"toggles": {"pick_overlapping": true},
		// applied to every signal
		"parameters": {"gain": 20, "profile": "qpsk"}
	}`)
	writeFile(t, filepath.Join(dir, "a_sig.json"), `{"profile": "bpsk", "gain": 5, "band_center": 915e6, "span": 2e6, "freq_lo": 1, "color": "red"}`)
	writeFile(t, filepath.Join(dir, "b_sig.json"), `{"profile": "qpsk", "freq_lo": 900e6, "freq_hi": 901e6, "time_start": 1, "time_stop": 4}`)
	writeFile(t, filepath.Join(dir, "nested", "x", "y", "deep_one.json"), `{"profile": "bpsk", "device": 1}`)
	writeFile(t, filepath.Join(dir, "unknown.json"), `{"profile": "no-such-profile"}`)

	s, err := LoadScript(filepath.Join(dir, "main.json"), defaultCatalog(t))
	require.NoError(t, err)
	require.Equal(t, schedule.KindConfig, s.Flags)
	require.Equal(t, 12.5, s.Runtime)
	require.Equal(t, true, s.Toggles["pick_overlapping"])
	require.Len(t, s.Signals, 3)

	first := s.Signals[0].Fields
	require.Equal(t, "bpsk", first["profile"], "profile is never overridden")
	require.EqualValues(t, 20, first["gain"])
	require.EqualValues(t, 915e6, first["band_center"])
	require.NotContains(t, first, "freq_lo")
	require.NotContains(t, first, "color")

	second := s.Signals[1].Fields
	require.Equal(t, "qpsk", second["profile"])
	require.NotContains(t, second, "band_center")

	require.EqualValues(t, 1, s.Signals[2].Fields["device"])
}

func TestLoadScriptDeclarativeErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no_runtime.json"), `{"configs": []}`)
	_, err := LoadScript(filepath.Join(dir, "no_runtime.json"), nil)
	require.Error(t, err)

	writeFile(t, filepath.Join(dir, "main.json"), `{"runtime": 1, "configs": ["half"]}`)
	writeFile(t, filepath.Join(dir, "half.json"), `{"profile": "bpsk", "band_center": 1e9}`)
	_, err = LoadScript(filepath.Join(dir, "main.json"), nil)
	require.ErrorContains(t, err, "band_center given without span")

	writeFile(t, filepath.Join(dir, "gone.json"), `{"runtime": 1, "configs": ["missing"]}`)
	_, err = LoadScript(filepath.Join(dir, "gone.json"), nil)
	require.Error(t, err)

	_, err = LoadScript(filepath.Join(dir, "nothing-here.json"), nil)
	require.Error(t, err)
}

func TestScriptRequestDeclarative(t *testing.T) {
	s := &Script{
		Flags:   schedule.KindConfig,
		Runtime: 10,
		Toggles: map[string]any{},
		Signals: []schedule.Signal{
			schedule.NewSignal(map[string]any{"profile": "bpsk", "device": "BBB", "time_start": 1.0, "time_stop": 2.0}),
			schedule.NewSignal(map[string]any{"profile": "qpsk"}),
		},
	}
	radios := []string{"type=b200,serial=AAA", "type=x300,serial=BBB"}
	req := s.Request(radios, schedule.Seed{3}, nil, zerolog.Nop())

	require.Equal(t, 10.0, req.Runtime)
	require.Len(t, req.Radios[radios[0]].Entries, 1)
	bbb := req.Radios[radios[1]].Entries
	require.Len(t, bbb, 2)
	require.Equal(t, 1.0, *bbb[0].Timing[0])
	require.Equal(t, 2.0, *bbb[0].Timing[1])
	require.Nil(t, bbb[1].Timing[0])
}

func TestScriptRequestTrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output-7-truth.json")
	writeFile(t, path, `{"reports": [
		{"report_type": "signal", "instance_name": "a", "time_start": 100, "time_stop": 102, "profile": "bpsk_7"},
		{"report_type": "signal", "instance_name": "b", "time_start": 101, "time_stop": 103, "profile": "mystery"}
	]}`)
	catalog := defaultCatalog(t)
	s, err := LoadScript(path, catalog)
	require.NoError(t, err)
	require.Equal(t, schedule.KindTruth, s.Flags)
	require.Equal(t, 3.0, s.Runtime)

	radios := []string{"serial=A", "serial=B"}
	req := s.Request(radios, schedule.Seed{9}, catalog, zerolog.Nop())
	var entries []schedule.Entry
	for _, r := range radios {
		if plan, ok := req.Radios[r]; ok {
			entries = append(entries, plan.Entries...)
		}
	}
	require.Len(t, entries, 1, "the unreplayable signal is dropped")
	require.Equal(t, "bpsk", entries[0].Signal["profile"])
	require.Equal(t, 0.0, *entries[0].Timing[0])
}
