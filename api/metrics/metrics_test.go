package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
)

func TestRecordClickHouseQuery(t *testing.T) {
	before := testutil.ToFloat64(ClickHouseQueriesTotal.WithLabelValues("error"))
	RecordClickHouseQuery(10*time.Millisecond, errors.New("boom"))
	require.Equal(t, before+1, testutil.ToFloat64(ClickHouseQueriesTotal.WithLabelValues("error")))
}

func TestRecordAnthropicTokens(t *testing.T) {
	in := testutil.ToFloat64(AnthropicTokensTotal.WithLabelValues("input"))
	out := testutil.ToFloat64(AnthropicTokensTotal.WithLabelValues("output"))
	RecordAnthropicTokens(120, 30)
	require.Equal(t, in+120, testutil.ToFloat64(AnthropicTokensTotal.WithLabelValues("input")))
	require.Equal(t, out+30, testutil.ToFloat64(AnthropicTokensTotal.WithLabelValues("output")))
}

func TestWorkflowObserver(t *testing.T) {
	obs := WorkflowObserver{}

	phase := PhaseExecutionsTotal.WithLabelValues(string(workflow.PhaseSchemaExplorer), "success")
	before := testutil.ToFloat64(phase)
	obs.PhaseCompleted(workflow.PhaseSchemaExplorer, time.Second, nil)
	require.Equal(t, before+1, testutil.ToFloat64(phase))

	decision := DecisionsTotal.WithLabelValues("data_sampler", "true")
	before = testutil.ToFloat64(decision)
	obs.DecisionApplied(workflow.Decision{NextPhase: "data_sampler", Confidence: 0.9}, true)
	require.Equal(t, before+1, testutil.ToFloat64(decision))

	finished := RunsFinishedTotal.WithLabelValues(string(controller.StatusAborted), string(controller.AbortBudgetExceeded))
	before = testutil.ToFloat64(finished)
	obs.RunFinished(controller.StatusAborted, &controller.Abort{Kind: controller.AbortBudgetExceeded})
	require.Equal(t, before+1, testutil.ToFloat64(finished))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.CollectAndCount(HTTPRequestDuration)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.CollectAndCount(HTTPRequestDuration))
}
