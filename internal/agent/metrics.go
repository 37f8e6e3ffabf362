package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK          = "ok"
	outcomeError       = "error"
	outcomeUnreachable = "unreachable"
	outcomeRejected    = "rejected"
)

// Metrics are the Prometheus collectors of the agent. A nil *Metrics
// records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
	toolCalls  *prometheus.CounterVec
	rows       prometheus.Counter
	embedded   prometheus.Counter
}

// NewMetrics registers the agent collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: mode (freeform, table), stop_reason, status (ok, error)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by mode, stop reason and status",
		}, []string{"mode", "stop_reason", "status"}),
		iterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Model turns used per run",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"mode"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall time of agent runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		// Labels: outcome (ok, error, unreachable, rejected)
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome",
		}, []string{"outcome"}),
		rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "rows_inserted_total",
			Help:      "Rows inserted by table-mode runs",
		}),
		embedded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sqlagent",
			Subsystem: "agent",
			Name:      "rows_embedded_total",
			Help:      "Rows that received an embedding vector",
		}),
	}
}

func (m *Metrics) observeRun(res Result, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	mode := string(res.Mode)
	m.runs.WithLabelValues(mode, string(res.StopReason), status).Inc()
	m.iterations.WithLabelValues(mode).Observe(float64(res.Iterations))
	m.duration.WithLabelValues(mode).Observe(d.Seconds())
	m.rows.Add(float64(res.Rows))
	m.embedded.Add(float64(res.Embedded))
}

func (m *Metrics) toolCall(outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(outcome).Inc()
}
