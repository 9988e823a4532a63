package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CollectRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_collect_runs_total",
		Help: "Total collection tasks started",
	}, []string{"platform"})
	CollectErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_collect_errors_total",
		Help: "Total collection tasks that ended with an error",
	}, []string{"platform"})
	CollectPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_collect_pages_total",
		Help: "Total page requests issued to remote platforms",
	}, []string{"platform"})
	CollectTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_collect_terminal_total",
		Help: "Paging terminal states reached",
	}, []string{"platform", "state"})
	PostsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_posts_collected_total",
		Help: "Canonical posts produced",
	}, []string{"platform"})
	MappingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_mapping_failures_total",
		Help: "Raw items skipped because they could not be mapped",
	}, []string{"platform"})
	CollectDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookout_collect_duration_seconds",
		Help:    "Collection task duration seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})
	ReconcileMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_reconcile_mutations_total",
		Help: "Entity pool writes issued by reconciliation",
	}, []string{"entity", "op"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lookout_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(
		CollectRuns, CollectErrors, CollectPages, CollectTerminal, PostsCollected,
		MappingFailures, CollectDuration, ReconcileMutations, APIRetries,
		CommandRuns, CommandErrors,
	)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObserveCollectDuration records a task duration for platform.
func ObserveCollectDuration(platform string, start time.Time) {
	CollectDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

// AddReconcile counts n pool writes of kind op on entity.
func AddReconcile(entity, op string, n int) {
	if n > 0 {
		ReconcileMutations.WithLabelValues(entity, op).Add(float64(n))
	}
}

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
