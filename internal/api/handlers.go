package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/script"
	"snow-script-runner/internal/storage"
)

// Executor runs scripts through the remote execution pipeline.
// *pipeline.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// auditSink receives execution and risk records without blocking.
// *storage.AuditWriter implements it.
type auditSink interface {
	Log(exec *storage.Execution)
	LogRisk(event *storage.RiskEventRecord)
}

type Handlers struct {
	runner      Executor
	db          *storage.DB
	auditWriter auditSink

	// Server-side default; callers can only opt in, never opt out.
	requireConfirmation bool
}

func NewHandlers(runner Executor, db *storage.DB, auditWriter *storage.AuditWriter) *Handlers {
	h := &Handlers{
		runner: runner,
		db:     db,
	}
	if auditWriter != nil {
		h.auditWriter = auditWriter
	}
	return h
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.runner == nil {
		writeError(w, "pipeline unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	pipeReq := pipeline.Request{
		Code:                  req.Code,
		Description:           req.Description,
		AllowDataModification: req.AllowDataModification,
		RequireConfirmation:   req.RequireConfirmation || h.requireConfirmation,
		AutoConfirm:           req.AutoConfirm,
		Confirmed:             req.Confirmed,
		RunAsUser:             req.RunAsUser,
		Timeout:               time.Duration(req.Timeout) * time.Millisecond,
	}

	start := time.Now()
	result, err := h.runner.Execute(r.Context(), pipeReq)
	if err != nil {
		switch {
		case pipeline.IsInvalidRequest(err):
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		case pipeline.IsSubmissionFailed(err):
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("job submission failed")
			writeError(w, "script submission to instance failed", "SUBMISSION_FAILED", http.StatusBadGateway, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
			writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		}
		return
	}

	h.logAudit(req, result, start, r)

	writeJSON(w, http.StatusOK, buildExecuteResponse(req, result))
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Outcome:  r.URL.Query().Get("outcome"),
		RiskTier: r.URL.Query().Get("risk_tier"),
		Limit:    100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) logAudit(req ExecuteRequest, result *pipeline.Result, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	hash := sha256.Sum256([]byte(req.Code))

	riskTier := ""
	if result.Assessment != nil {
		riskTier = result.Assessment.RiskTier.String()
		h.logRiskEvents(result.ExecutionID, result.Assessment)
	}

	completedAt := time.Now()
	h.auditWriter.Log(&storage.Execution{
		ID:            result.ExecutionID,
		Description:   req.Description,
		CodeHash:      hex.EncodeToString(hash[:]),
		RiskTier:      riskTier,
		Outcome:       string(result.Outcome),
		Succeeded:     result.Succeeded,
		ErrorMessage:  result.ErrorMessage,
		OutputLines:   len(result.OutputLines),
		DurationMS:    result.ElapsedMs,
		PollAttempts:  result.PollAttempts,
		TriggerForced: result.TriggerForced,
		CleanupFailed: result.CleanupFailed,
		RequestIP:     r.RemoteAddr,
		RunAsUser:     req.RunAsUser,
		CreatedAt:     start,
		CompletedAt:   &completedAt,
	})
}

// logRiskEvents records every matched risk pattern against the execution.
func (h *Handlers) logRiskEvents(execID string, a *script.Assessment) {
	for _, m := range a.MutatingCalls {
		h.auditWriter.LogRisk(&storage.RiskEventRecord{ExecutionID: execID, Kind: "mutating", MatchedText: m})
	}
	for _, m := range a.PrivilegedCalls {
		h.auditWriter.LogRisk(&storage.RiskEventRecord{ExecutionID: execID, Kind: "privileged", MatchedText: m})
	}
	for _, w := range a.Warnings {
		h.auditWriter.LogRisk(&storage.RiskEventRecord{ExecutionID: execID, Kind: "dangerous", MatchedText: w})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
