package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()
	m.Command("ping")
	m.Command("ping")
	m.Command("kill")
	m.ProtocolError()
	m.JobFinished("killed")
	m.Fleet(3, 1, 2)

	require.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("ping")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.protocolErrors))
	require.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("killed")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.radios.WithLabelValues("idle")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.activeJobs))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Command("ping")
	m.ProtocolError()
	m.JobFinished("exited")
	m.Fleet(0, 0, 0)
}

func TestRouter(t *testing.T) {
	m := New()
	m.Command("get_radios")
	srv := httptest.NewServer(m.Router(func() any { return map[string]int{"radios": 2} }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `wfgen_commands_total{verb="get_radios"} 1`)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, `{"radios":2}`, strings.TrimSpace(string(body)))
}

func TestServeDisabled(t *testing.T) {
	require.NoError(t, New().Serve(context.Background(), "", nil, zerolog.Nop()))
}
