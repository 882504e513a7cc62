package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the dispatcher collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands       *prometheus.CounterVec
	protocolErrors prometheus.Counter
	activeJobs     prometheus.Gauge
	radios         *prometheus.GaugeVec
	finished       *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wfgen_commands_total",
			Help: "Number of commands handled by the dispatcher, by verb.",
		}, []string{"verb"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "wfgen_protocol_errors_total",
			Help: "Number of requests rejected as malformed or unknown.",
		}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wfgen_active_jobs",
			Help: "Jobs currently registered as active.",
		}),
		radios: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wfgen_radios",
			Help: "Radios known to this server, by state.",
		}, []string{"state"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wfgen_jobs_finished_total",
			Help: "Jobs moved to the finished list, by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Command(verb string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) JobFinished(reason string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(reason).Inc()
}

// Fleet records the current partition sizes and active job count.
func (m *Metrics) Fleet(idle, active, jobs int) {
	if m == nil {
		return
	}
	m.radios.WithLabelValues("idle").Set(float64(idle))
	m.radios.WithLabelValues("active").Set(float64(active))
	m.activeJobs.Set(float64(jobs))
}

// StatusFunc returns the JSON document served on /status.
type StatusFunc func() any

// Router builds the /metrics and /status routes.
func (m *Metrics) Router(status StatusFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			io.WriteString(w, "ok")
			return
		}
		w.Header().Add("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	}).Methods("GET")
	return router
}

// Serve exposes the router on addr until ctx ends. An empty addr disables
// the endpoint and returns immediately.
func (m *Metrics) Serve(ctx context.Context, addr string, status StatusFunc, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen metrics on %s", addr)
	}
	srv := &http.Server{
		Handler:           m.Router(status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
