package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/idempotency"
	"github.com/shehryarbajwa/quotefill/pkg/models"
)

// maxBodyBytes caps the size of a job request body.
const maxBodyBytes = 1 << 20

// JobRunner executes commit jobs. Admit runs before the body is decoded so
// every request, well formed or not, counts against the caller's rate limit.
type JobRunner interface {
	Admit(clientID, correlationID string) (models.JobResponse, bool)
	Run(ctx context.Context, req models.JobRequest) models.JobResponse
	ShuttingDown() bool
}

// SessionDirectory exposes the live browser sessions
type SessionDirectory interface {
	List() []models.SessionInfo
	CloseByID(id string) bool
}

// StatsSource reports idempotency record counts
type StatsSource interface {
	Stats() idempotency.Stats
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	jobs     JobRunner
	sessions SessionDirectory
	records  StatsSource
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(jobs JobRunner, sessions SessionDirectory, records StatsSource, logger *zap.Logger) *Handler {
	return &Handler{
		jobs:     jobs,
		sessions: sessions,
		records:  records,
		logger:   logger.Named("api"),
	}
}

// statusFor maps a job outcome to its HTTP status code.
func statusFor(o models.Outcome) int {
	switch o {
	case models.OutcomeOK, models.OutcomeCached:
		return http.StatusOK
	case models.OutcomeValidationFailed:
		return http.StatusBadRequest
	case models.OutcomeDuplicateInFlight, models.OutcomeClaimConflict:
		return http.StatusConflict
	case models.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case models.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = CorrelationID(r.Context())
	}

	if resp, ok := h.jobs.Admit(clientID(r), req.CorrelationID); !ok {
		writeJobResponse(w, resp)
		return
	}
	if err != nil {
		writeJobResponse(w, models.JobResponse{
			CorrelationID: req.CorrelationID,
			Outcome:       models.OutcomeValidationFailed,
			Errors:        []string{"invalid request body: " + err.Error()},
		})
		return
	}

	writeJobResponse(w, h.jobs.Run(r.Context(), req))
}

func writeJobResponse(w http.ResponseWriter, resp models.JobResponse) {
	w.Header().Set(CorrelationHeader, resp.CorrelationID)
	if resp.Outcome == models.OutcomeRateLimited && resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(w, statusFor(resp.Outcome), resp)
}

// Health handles GET /v1/healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.jobs.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IdempotencyStats handles GET /v1/idempotency/stats
func (h *Handler) IdempotencyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.records.Stats())
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	if sessions == nil {
		sessions = []models.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.sessions.CloseByID(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	h.logger.Info("Session closed on request.", zap.String("session_id", id), zap.String("correlation_id", CorrelationID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// clientID identifies the caller for rate limiting: the first X-Forwarded-For
// hop when present, otherwise the remote host.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
