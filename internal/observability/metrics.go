package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the service's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// RunsStarted counts workflow runs by workflow name.
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts terminal runs.
	// Labels: workflow, status (completed|failed)
	RunsFinished *prometheus.CounterVec

	// StepAttempts counts step executions.
	// Labels: step, outcome (ok|retry|fatal|replayed)
	StepAttempts *prometheus.CounterVec

	// StepDuration measures one step attempt in seconds.
	StepDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations by tool and settled state.
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution in seconds.
	ToolDuration *prometheus.HistogramVec

	// ModelRequests counts model invocations.
	// Labels: model, status (success|error)
	ModelRequests *prometheus.CounterVec

	// ChunksAppended counts chunks written to run logs.
	ChunksAppended prometheus.Counter

	// ActiveReaders tracks attached stream readers.
	ActiveReaders prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foodchat_runs_started_total",
				Help: "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),

		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foodchat_runs_finished_total",
				Help: "Total number of workflow runs that reached a terminal status",
			},
			[]string{"workflow", "status"},
		),

		StepAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foodchat_step_attempts_total",
				Help: "Total number of step attempts by outcome",
			},
			[]string{"step", "outcome"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foodchat_step_duration_seconds",
				Help:    "Duration of step attempts in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"step"},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foodchat_tool_calls_total",
				Help: "Total number of tool calls by tool and resulting state",
			},
			[]string{"tool_name", "state"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foodchat_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"tool_name"},
		),

		ModelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foodchat_model_requests_total",
				Help: "Total number of model invocations by model and status",
			},
			[]string{"model", "status"},
		),

		ChunksAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "foodchat_chunks_appended_total",
				Help: "Total number of chunks appended to run logs",
			},
		),

		ActiveReaders: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "foodchat_stream_readers",
				Help: "Number of currently attached stream readers",
			},
		),
	}
}

// RunStarted records a new run.
func (m *Metrics) RunStarted(workflow string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(workflow).Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(workflow, status).Inc()
}

// StepAttempt records one step attempt.
func (m *Metrics) StepAttempt(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(step, outcome).Inc()
	if outcome != "replayed" {
		m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

// ToolCall records a settled tool invocation.
func (m *Metrics) ToolCall(tool, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, state).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ModelRequest records a model invocation.
func (m *Metrics) ModelRequest(model string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ModelRequests.WithLabelValues(model, status).Inc()
}

// ChunkAppended records a chunk write.
func (m *Metrics) ChunkAppended() {
	if m == nil {
		return
	}
	m.ChunksAppended.Inc()
}

// ReaderAttached adjusts the active reader gauge by delta.
func (m *Metrics) ReaderAttached(delta int) {
	if m == nil {
		return
	}
	m.ActiveReaders.Add(float64(delta))
}
