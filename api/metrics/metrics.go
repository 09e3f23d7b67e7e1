package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
)

const namespace = "analyst_api"

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the analyst API",
	}, []string{"version", "commit", "date"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	ClickHouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "clickhouse_query_duration_seconds",
		Help:      "Duration of ClickHouse queries",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ClickHouseQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clickhouse_queries_total",
		Help:      "Total ClickHouse queries by result",
	}, []string{"status"})

	PostgresQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "postgres_query_duration_seconds",
		Help:      "Duration of Postgres queries",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	PostgresQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "postgres_queries_total",
		Help:      "Total Postgres queries by result",
	}, []string{"status"})

	AnthropicRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "anthropic_request_duration_seconds",
		Help:      "Duration of Anthropic API requests",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"endpoint"})

	AnthropicRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anthropic_requests_total",
		Help:      "Total Anthropic API requests by endpoint and result",
	}, []string{"endpoint", "status"})

	AnthropicTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anthropic_tokens_total",
		Help:      "Total Anthropic tokens by direction",
	}, []string{"direction"})

	PhaseExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_phase_executions_total",
		Help:      "Total phase executions by phase and result",
	}, []string{"phase", "status"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_phase_duration_seconds",
		Help:      "Duration of phase executions",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"phase"})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_decisions_total",
		Help:      "Total oracle decisions by target and whether auto proceed was forced",
	}, []string{"next_phase", "overridden"})

	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_runs_finished_total",
		Help:      "Total runs that stopped, by status and abort kind",
	}, []string{"status", "abort_kind"})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordClickHouseQuery records the duration and outcome of a ClickHouse query.
func RecordClickHouseQuery(duration time.Duration, err error) {
	ClickHouseQueryDuration.Observe(duration.Seconds())
	ClickHouseQueriesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordPostgresQuery records the duration and outcome of a Postgres query.
func RecordPostgresQuery(duration time.Duration, err error) {
	PostgresQueryDuration.Observe(duration.Seconds())
	PostgresQueriesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordAnthropicRequest records an Anthropic API call.
func RecordAnthropicRequest(endpoint string, duration time.Duration, err error) {
	AnthropicRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	AnthropicRequestsTotal.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

// RecordAnthropicTokens records token usage for an Anthropic API call.
func RecordAnthropicTokens(inputTokens, outputTokens int64) {
	AnthropicTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AnthropicTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// WorkflowObserver feeds controller telemetry into the workflow collectors.
type WorkflowObserver struct{}

var _ controller.Observer = WorkflowObserver{}

func (WorkflowObserver) PhaseCompleted(phase workflow.Phase, duration time.Duration, err error) {
	PhaseExecutionsTotal.WithLabelValues(string(phase), resultLabel(err)).Inc()
	PhaseDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

func (WorkflowObserver) DecisionApplied(decision workflow.Decision, overridden bool) {
	DecisionsTotal.WithLabelValues(decision.NextPhase, strconv.FormatBool(overridden)).Inc()
}

func (WorkflowObserver) RunFinished(status controller.Status, abort *controller.Abort) {
	kind := ""
	if abort != nil {
		kind = string(abort.Kind)
	}
	RunsFinishedTotal.WithLabelValues(string(status), kind).Inc()
}

// Middleware records request duration labelled by the matched chi route
// pattern, so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
