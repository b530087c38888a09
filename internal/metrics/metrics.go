package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interceptor_tasks_total",
			Help: "Total number of finished tasks by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "interceptor_tasks_in_flight",
			Help: "Number of tasks currently executing",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interceptor_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"kind"},
	)

	// Container metrics
	ContainerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interceptor_container_cpu_usage",
			Help: "Last sampled container CPU usage, normalized by the configured divisor",
		},
		[]string{"task_id"},
	)

	ContainerMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interceptor_container_memory_mib",
			Help: "Last sampled container memory usage in MiB",
		},
		[]string{"task_id"},
	)

	// Diagnostics
	CleanupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interceptor_cleanup_failures_total",
			Help: "Total number of failed best-effort cleanups by resource kind",
		},
		[]string{"resource"},
	)

	ResultsUndelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interceptor_results_undelivered_total",
			Help: "Total number of results that could not be posted after retries",
		},
	)

	CallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "interceptor_callback_chain_depth",
			Help:    "Number of tasks executed per lambda invocation, callbacks included",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ContainerCPU)
	prometheus.MustRegister(ContainerMemory)
	prometheus.MustRegister(CleanupFailures)
	prometheus.MustRegister(ResultsUndelivered)
	prometheus.MustRegister(CallbackDepth)
}

// Resource kinds reported through CleanupFailed.
const (
	ResourceContainer = "container"
	ResourceVolume    = "volume"
	ResourceWorkdir   = "workdir"
	ResourceImage     = "image"
	ResourceArtifact  = "artifact"
)

// CleanupFailed records a swallowed best-effort failure. The task keeps going;
// operators find leaked resources through the counter and the structured event.
func CleanupFailed(logger zerolog.Logger, resource, name string, err error) {
	CleanupFailures.WithLabelValues(resource).Inc()
	logger.Warn().
		Err(err).
		Str("resource", resource).
		Str("name", name).
		Msg("best-effort cleanup failed")
}

// ForgetContainer drops the per-task container gauges once a task is done.
func ForgetContainer(taskID string) {
	ContainerCPU.DeleteLabelValues(taskID)
	ContainerMemory.DeleteLabelValues(taskID)
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthHandler reports liveness together with the number of running tasks.
func HealthHandler(inFlight func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"inFlight": inFlight(),
		})
	}
}

// NewMux wires /metrics and /health on one mux.
func NewMux(inFlight func() int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/health", HealthHandler(inFlight))
	return mux
}
