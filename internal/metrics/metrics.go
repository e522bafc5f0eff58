// Package metrics exposes host and RPC statistics in Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/ductile-host/internal/protocol"
	"github.com/mattjoyce/ductile-host/internal/rpc"
)

const namespace = "ductile_host"

// Call results.
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultClosed  = "closed"
	ResultRemote  = "remote_error"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Metrics holds the host's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	pending        prometheus.Gauge
	retries        *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
	runDuration    prometheus.Histogram
	reportFailures *prometheus.CounterVec
	state          *prometheus.GaugeVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Outbound RPC call attempts by method and result.",
		}, []string{"method", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Time from sending a call to its result.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_calls",
			Help:      "Calls awaiting a response.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_retries_total",
			Help:      "Calls repeated after a timeout.",
		}, []string{"method"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished workflow runs by outcome.",
		}, []string{"outcome"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Workflow runs currently executing.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Execution time of workflow code.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		reportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_report_failures_total",
			Help:      "Run outcomes that could not be delivered.",
		}, []string{"method"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the host's current connection state.",
		}, []string{"state"}),
	}

	m.reg.MustRegister(
		m.calls, m.callDuration, m.pending, m.retries,
		m.runs, m.runsInFlight, m.runDuration, m.reportFailures, m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveCall implements rpc.Observer.
func (m *Metrics) ObserveCall(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, Result(err)).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObservePending implements rpc.Observer.
func (m *Metrics) ObservePending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) Retry(method string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(method).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

func (m *Metrics) RunFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ReportFailed(method string) {
	if m == nil {
		return
	}
	m.reportFailures.WithLabelValues(method).Inc()
}

// SetState marks current as the only active state.
func (m *Metrics) SetState(current string) {
	if m == nil {
		return
	}
	m.state.Reset()
	m.state.WithLabelValues(current).Set(1)
}

// Result classifies a call error into a metric label.
func Result(err error) string {
	var verr *protocol.ValidationError
	var rerr *rpc.RemoteError
	switch {
	case err == nil:
		return ResultOK
	case rpc.IsTimeout(err):
		return ResultTimeout
	case errors.Is(err, rpc.ErrClosed):
		return ResultClosed
	case errors.As(err, &rerr):
		return ResultRemote
	case errors.As(err, &verr):
		return ResultInvalid
	default:
		return ResultError
	}
}

var _ rpc.Observer = (*Metrics)(nil)
