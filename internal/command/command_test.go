package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStartRadio(t *testing.T) {
	parts := []string{"start_radio", "bursty", "-a type=b200,serial=ABC,mgmt_addr=1.2.3.4", "psk2",
		"frequency", "915e6", "gain", "-3", "quiet", "true"}
	cmd, err := Decode(parts)
	require.NoError(t, err)
	s, ok := cmd.(StartRadio)
	require.True(t, ok)
	require.Equal(t, ModeBursty, s.Mode)
	require.Equal(t, "type=b200,serial=ABC,mgmt_addr=1.2.3.4", s.DeviceArgs)
	require.Equal(t, "ABC", s.Serial())
	require.Equal(t, "psk2", s.Profile)
	require.Equal(t, []Param{{"frequency", "915e6"}, {"gain", "-3"}}, s.Params)
	require.True(t, s.Quiet)
	v, ok := s.Param("gain")
	require.True(t, ok)
	require.Equal(t, "-3", v)

	require.Equal(t, parts, Encode(s))
}

func TestDecodeStartRadioExec(t *testing.T) {
	cmd, err := Decode([]string{"start_radio", "wfgen_tone", "-a", "serial=XYZ", "-f", "1e9", "quiet"})
	require.NoError(t, err)
	s := cmd.(StartRadio)
	require.True(t, s.IsExec())
	require.True(t, s.Quiet)
	require.Equal(t, "serial=XYZ", s.DeviceArgs)
	require.Equal(t, []string{"wfgen_tone", "-a", "serial=XYZ", "-f", "1e9"}, s.Exec)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string][]string{
		"unknown verb":   {"dance"},
		"empty":          {},
		"no mode":        {"start_radio"},
		"bad mode":       {"start_radio", "warp", "-a serial=A", "psk2"},
		"no args":        {"start_radio", "static", "psk2", "x"},
		"odd params":     {"start_radio", "static", "-a serial=A", "psk2", "gain"},
		"exec no args":   {"start_radio", "wfgen_tone", "-f", "1"},
		"kill no pid":    {"kill"},
		"kill bad pid":   {"kill", "12", "abc"},
		"random no yaml": {"run_random", "  "},
		"script no yaml": {"run_script"},
	}
	for name, parts := range cases {
		_, err := Decode(parts)
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("%s: expected ProtocolError, got %v", name, err)
		}
	}

	_, err := Decode([]string{"dance"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.Unknown)
	require.Equal(t, "dance", perr.Verb)
}

func TestDecodeSimpleVerbs(t *testing.T) {
	cmd, err := Decode([]string{"kill", "10", " 11"})
	require.NoError(t, err)
	require.Equal(t, Kill{PIDs: []int{10, 11}}, cmd)

	cmd, err = Decode([]string{"shutdown", "quiet"})
	require.NoError(t, err)
	require.Equal(t, Shutdown{Quiet: true}, cmd)

	cmd, err = Decode([]string{"shutdown", "now"})
	require.NoError(t, err)
	require.Equal(t, Shutdown{}, cmd)

	cmd, err = Decode([]string{"get_truth", "None"})
	require.NoError(t, err)
	require.Equal(t, GetTruth{}, cmd)

	cmd, err = Decode([]string{"run_script", "runtime: 3", "flags: 0"})
	require.NoError(t, err)
	require.Equal(t, RunScript{YAML: "runtime: 3 flags: 0"}, cmd)

	cmd, err = Decode([]string{"help", "me"})
	require.NoError(t, err)
	require.Equal(t, VerbHelp, cmd.Verb())
}

func TestVerbsOrder(t *testing.T) {
	require.Equal(t, []string{"help", "ping", "get_radios", "get_active", "get_finished",
		"start_radio", "run_random", "kill", "shutdown", "get_truth", "run_script"}, Verbs())
}

func TestLine(t *testing.T) {
	require.Equal(t, "kill 4 5", Line(Kill{PIDs: []int{4, 5}}))
	require.Equal(t, "run_random", Line(RunRandom{YAML: "radios: [0]"}))
}
