package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shehryarbajwa/quotefill/internal/browser"
	"github.com/shehryarbajwa/quotefill/internal/idempotency"
	"github.com/shehryarbajwa/quotefill/internal/proxy"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

type stubRunner struct {
	mu       sync.Mutex
	resp     models.JobResponse
	refusal  *models.JobResponse
	req      models.JobRequest
	clientID string
	admitted int
	ran      bool
	stopping bool
}

func (s *stubRunner) Admit(clientID, correlationID string) (models.JobResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
	s.admitted++
	if s.refusal != nil {
		resp := *s.refusal
		resp.CorrelationID = correlationID
		return resp, false
	}
	return models.JobResponse{}, true
}

func (s *stubRunner) Run(ctx context.Context, req models.JobRequest) models.JobResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req = req
	s.ran = true
	resp := s.resp
	if resp.CorrelationID == "" {
		resp.CorrelationID = req.CorrelationID
	}
	return resp
}

func (s *stubRunner) ShuttingDown() bool { return s.stopping }

type stubSessions struct {
	infos  []models.SessionInfo
	closed []string
}

func (s *stubSessions) List() []models.SessionInfo { return s.infos }

func (s *stubSessions) CloseByID(id string) bool {
	for _, info := range s.infos {
		if info.ID == id {
			s.closed = append(s.closed, id)
			return true
		}
	}
	return false
}

func (s *stubSessions) Get(id string) (browser.Session, bool) { return nil, false }

type stubStats idempotency.Stats

func (s stubStats) Stats() idempotency.Stats { return idempotency.Stats(s) }

func newRouter(runner *stubRunner, sessions *stubSessions, logger *zap.Logger) http.Handler {
	h := NewHandler(runner, sessions, stubStats{Processing: 1, Completed: 2, Failed: 3}, logger)
	return h.SetupRoutes(proxy.NewServer(sessions, logger))
}

const jobBody = `{"entityId":"RFQ-1","targetUrl":"https://vendor.example.com/q","commit":true,"items":[{"quantity":1,"price":10}]}`

func postJob(t *testing.T, router http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:53211"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.JobResponse {
	t.Helper()
	var resp models.JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitJob_StatusMapping(t *testing.T) {
	tests := []struct {
		outcome models.Outcome
		want    int
	}{
		{models.OutcomeOK, http.StatusOK},
		{models.OutcomeCached, http.StatusOK},
		{models.OutcomeValidationFailed, http.StatusBadRequest},
		{models.OutcomeDuplicateInFlight, http.StatusConflict},
		{models.OutcomeClaimConflict, http.StatusConflict},
		{models.OutcomeRateLimited, http.StatusTooManyRequests},
		{models.OutcomeUnavailable, http.StatusServiceUnavailable},
		{models.OutcomeFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			runner := &stubRunner{resp: models.JobResponse{Outcome: tt.outcome}}
			rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, nil)

			assert.Equal(t, tt.want, rec.Code)
			resp := decodeJob(t, rec)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.NotEmpty(t, resp.CorrelationID)
		})
	}
}

func TestSubmitJob_RetryAfter(t *testing.T) {
	runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeRateLimited, RetryAfterSeconds: 42}}
	rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, 42, decodeJob(t, rec).RetryAfterSeconds)
}

func TestSubmitJob_CorrelationID(t *testing.T) {
	t.Run("header is used when body has none", func(t *testing.T) {
		runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
		rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, map[string]string{CorrelationHeader: "hdr-1"})

		assert.Equal(t, "hdr-1", runner.req.CorrelationID)
		assert.Equal(t, "hdr-1", rec.Header().Get(CorrelationHeader))
		assert.Equal(t, "hdr-1", decodeJob(t, rec).CorrelationID)
	})

	t.Run("body wins over header", func(t *testing.T) {
		runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
		body := strings.Replace(jobBody, `"commit":true`, `"commit":true,"correlationId":"body-1"`, 1)
		rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), body, map[string]string{CorrelationHeader: "hdr-1"})

		assert.Equal(t, "body-1", runner.req.CorrelationID)
		assert.Equal(t, "body-1", rec.Header().Get(CorrelationHeader))
	})

	t.Run("generated when absent", func(t *testing.T) {
		runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
		rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, nil)

		assert.NotEmpty(t, runner.req.CorrelationID)
		assert.Equal(t, runner.req.CorrelationID, rec.Header().Get(CorrelationHeader))
	})
}

func TestSubmitJob_ClientID(t *testing.T) {
	t.Run("first forwarded hop", func(t *testing.T) {
		runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
		postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1"})
		assert.Equal(t, "203.0.113.7", runner.clientID)
	})

	t.Run("remote host", func(t *testing.T) {
		runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
		postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), jobBody, nil)
		assert.Equal(t, "192.0.2.10", runner.clientID)
	})
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeOK}}
	rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), `{"entityId":`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJob(t, rec)
	assert.Equal(t, models.OutcomeValidationFailed, resp.Outcome)
	assert.NotEmpty(t, resp.CorrelationID)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "invalid request body")
	assert.Equal(t, 1, runner.admitted)
	assert.False(t, runner.ran, "malformed job must not run")
}

func TestSubmitJob_MalformedBodyIsAdmittedFirst(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		runner := &stubRunner{refusal: &models.JobResponse{Outcome: models.OutcomeRateLimited, RetryAfterSeconds: 7}}
		rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), `not json`, map[string]string{"X-Forwarded-For": "203.0.113.9"})

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "7", rec.Header().Get("Retry-After"))
		assert.Equal(t, "203.0.113.9", runner.clientID)
		assert.False(t, runner.ran)
	})

	t.Run("shutting down", func(t *testing.T) {
		runner := &stubRunner{refusal: &models.JobResponse{Outcome: models.OutcomeUnavailable}}
		rec := postJob(t, newRouter(runner, &stubSessions{}, zap.NewNop()), `{"entityId":`, map[string]string{CorrelationHeader: "late-1"})

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeJob(t, rec)
		assert.Equal(t, models.OutcomeUnavailable, resp.Outcome)
		assert.Equal(t, "late-1", resp.CorrelationID)
		assert.False(t, runner.ran)
	})
}

func TestHealth(t *testing.T) {
	runner := &stubRunner{}
	router := newRouter(runner, &stubSessions{}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	runner.stopping = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"shutting_down"}`, rec.Body.String())
}

func TestIdempotencyStats(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubRunner{}, &stubSessions{}, zap.NewNop()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/idempotency/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats idempotency.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 3, stats.Failed)
}

func TestSessions(t *testing.T) {
	sessions := &stubSessions{infos: []models.SessionInfo{{ID: "s1", Status: models.SessionRunning, Backend: "local"}}}
	router := newRouter(&stubRunner{}, sessions, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []models.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "s1", body.Sessions[0].ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s1"}, sessions.closed)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptySessionListIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubRunner{}, &stubSessions{}, zap.NewNop()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestDebugProxyUnknownSession(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubRunner{}, &stubSessions{}, zap.NewNop()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/ghost/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&stubRunner{}, &stubSessions{}, zap.NewNop()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), CorrelationHeader)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	runner := &stubRunner{resp: models.JobResponse{Outcome: models.OutcomeFailed}}
	postJob(t, newRouter(runner, &stubSessions{}, zap.New(core)), jobBody, map[string]string{CorrelationHeader: "log-1"})

	entries := logs.FilterMessage("Request handled.").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/v1/jobs", fields["path"])
	assert.EqualValues(t, http.StatusInternalServerError, fields["status"])
	assert.Equal(t, "log-1", fields["correlation_id"])
}
