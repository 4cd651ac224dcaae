package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choruslabs/chorus-gateway/internal/cache"
	"github.com/choruslabs/chorus-gateway/internal/events"
	"github.com/choruslabs/chorus-gateway/internal/health"
	"github.com/choruslabs/chorus-gateway/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	gpt    = models.ModelIdentity{Provider: "openai", Name: "gpt-x"}
	claude = models.ModelIdentity{Provider: "anthropic", Name: "claude-y"}

	testIndex = map[string]string{
		"gpt-x":    "openai",
		"claude-y": "anthropic",
	}
)

type stubRunner struct {
	mu    sync.Mutex
	run   *models.PipelineRun
	calls int
}

func (s *stubRunner) Run(_ context.Context, correlationID string, q models.Query) *models.PipelineRun {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.run != nil {
		return s.run
	}
	return completedRun(correlationID, q)
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubHealth struct {
	av health.Availability
}

func (s *stubHealth) Availability() health.Availability { return s.av }

func healthyAvailability() health.Availability {
	return health.Availability{
		Status:             health.GatewayHealthy,
		ProvidersPresent:   []string{"openai", "anthropic"},
		ReachableModels:    2,
		ReachableProviders: 2,
	}
}

func completedRun(correlationID string, q models.Query) *models.PipelineRun {
	run := models.NewPipelineRun(correlationID, q)
	run.Initial = &models.StageResult{
		Stage: models.StageInitialResponse,
		Outputs: map[models.ModelIdentity]models.ModelOutput{
			gpt:    {Model: gpt, Text: "gpt answer"},
			claude: {Model: claude, Text: "claude answer"},
		},
		Succeeded: []models.ModelIdentity{gpt, claude},
	}
	run.PeerReview = &models.StageResult{
		Stage: models.StagePeerReview,
		Outputs: map[models.ModelIdentity]models.ModelOutput{
			gpt:    {Model: gpt, Text: "gpt revised"},
			claude: {Model: claude, Text: "claude revised"},
		},
		Succeeded: []models.ModelIdentity{gpt, claude},
	}
	run.Synthesis = &models.StageResult{
		Stage: models.StageUltraSynthesis,
		Outputs: map[models.ModelIdentity]models.ModelOutput{
			claude: {Model: claude, Text: "the synthesis"},
		},
		Succeeded: []models.ModelIdentity{claude},
	}
	run.Stage = models.StageCompleted
	run.Outcome = models.Outcome{Kind: models.OutcomeCompleted}
	return run
}

func testBus() *events.Bus {
	return events.NewBus(events.Config{QueueSize: 100, HeartbeatInterval: time.Hour})
}

func testRouter(runner Runner, av health.Availability, store cache.Cache, apiKeys []string) (*gin.Engine, *events.Bus) {
	bus := testBus()
	h := NewHandler(runner, &stubHealth{av: av}, bus, store, time.Minute, testIndex)
	return NewRouter(h, bus, apiKeys), bus
}

func postAnalyze(r *gin.Engine, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/analyze", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAnalyzeSuccess(t *testing.T) {
	runner := &stubRunner{}
	r, bus := testRouter(runner, healthyAvailability(), nil, nil)

	w := postAnalyze(r, `{"query":"What is 2+2?","selected_models":["gpt-x","claude-y"]}`,
		map[string]string{"X-Correlation-ID": "req_test1"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "req_test1", resp.CorrelationID)
	require.NotNil(t, resp.Results)
	assert.Equal(t, "the synthesis", resp.Results.UltraSynthesis)
	assert.Len(t, resp.Results.InitialResponse, 2)

	assert.Equal(t, 1, runner.callCount())
	assert.Positive(t, bus.Buffered("req_test1"), "boundary events are published")
}

func TestAnalyzeGeneratesCorrelationID(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, nil)

	w := postAnalyze(r, `{"query":"q","selected_models":["gpt-x"]}`, nil)

	id := w.Header().Get("X-Correlation-ID")
	assert.Len(t, id, len("req_")+8)
	assert.Equal(t, "req_", id[:4])
}

func TestAnalyzeInvalidJSON(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, nil)

	w := postAnalyze(r, `{not json`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestAnalyzeValidationError(t *testing.T) {
	runner := &stubRunner{}
	r, _ := testRouter(runner, healthyAvailability(), nil, nil)

	w := postAnalyze(r, `{"query":"q","selected_models":["mystery-model"]}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "mystery-model")
	assert.Zero(t, runner.callCount())
}

func TestAnalyzeServiceUnavailable(t *testing.T) {
	run := models.NewPipelineRun("req_u", models.Query{})
	run.Outcome = models.Outcome{Kind: models.OutcomeUnavailable, Reason: "service temporarily unavailable: provider anthropic is down"}
	runner := &stubRunner{run: run}

	av := health.Availability{
		Status:           health.GatewayUnavailable,
		Message:          "provider anthropic is down",
		ProvidersPresent: []string{"openai", "anthropic"},
		ProvidersDown:    []string{"anthropic"},
	}
	r, _ := testRouter(runner, av, nil, nil)

	w := postAnalyze(r, `{"query":"q","selected_models":["gpt-x"]}`, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "anthropic is down")
	assert.Contains(t, w.Body.String(), "providers_present")
}

func TestAnalyzeStageFailure(t *testing.T) {
	run := models.NewPipelineRun("req_f", models.Query{})
	run.Outcome = models.Outcome{
		Kind:        models.OutcomeFailedStage,
		FailedStage: models.StageInitialResponse,
		Reason:      "all models failed",
	}
	r, _ := testRouter(&stubRunner{run: run}, healthyAvailability(), nil, nil)

	w := postAnalyze(r, `{"query":"q","selected_models":["gpt-x"]}`, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "stage_failure")
}

func TestAnalyzeCacheHitSkipsPipeline(t *testing.T) {
	runner := &stubRunner{}
	r, _ := testRouter(runner, healthyAvailability(), cache.NewMemory(), nil)

	body := `{"query":"cached question","selected_models":["gpt-x","claude-y"]}`

	first := postAnalyze(r, body, map[string]string{"X-Correlation-ID": "req_a"})
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, runner.callCount())

	second := postAnalyze(r, body, map[string]string{"X-Correlation-ID": "req_b"})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, runner.callCount(), "second identical request is served from cache")

	var resp models.AnalyzeResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "req_b", resp.CorrelationID, "cached response carries the new correlation id")
	assert.Equal(t, "the synthesis", resp.Results.UltraSynthesis)
}

func TestStatusEndpoint(t *testing.T) {
	av := health.Availability{
		Status:           health.GatewayDegraded,
		Message:          "operating in degraded mode",
		ProvidersPresent: []string{"openai", "anthropic"},
		ProvidersDown:    []string{"anthropic"},
	}
	r, _ := testRouter(&stubRunner{}, av, nil, nil)

	for i := 0; i < 2; i++ { // status reads must not mutate anything
		req := httptest.NewRequest(http.MethodGet, "/orchestrator/status", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, true, body["service_available"])
		assert.Equal(t, "operating in degraded mode", body["message"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, []string{"sk-valid-key"})

	req := httptest.NewRequest(http.MethodGet, "/orchestrator/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "auth_error")

	req = httptest.NewRequest(http.MethodGet, "/orchestrator/status", nil)
	req.Header.Set("Authorization", "Bearer sk-valid-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRejectsWrongKey(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, []string{"sk-valid-key"})

	req := httptest.NewRequest(http.MethodGet, "/orchestrator/status", nil)
	req.Header.Set("Authorization", "Bearer sk-wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	r, _ := testRouter(&stubRunner{}, healthyAvailability(), nil, []string{"sk-valid-key"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
