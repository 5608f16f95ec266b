package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"snapcheck/internal/monitor"
	"snapcheck/internal/pipeline"
	"snapcheck/internal/sandbox"
	"snapcheck/internal/store"
)

type Handlers struct {
	pipeline *pipeline.Pipeline
	store    store.Store
	metrics  *monitor.Metrics
	pageSize int
}

func NewHandlers(p *pipeline.Pipeline, st store.Store, metrics *monitor.Metrics, pageSize int) *Handlers {
	if pageSize < 1 {
		pageSize = 50
	}
	return &Handlers{
		pipeline: p,
		store:    st,
		metrics:  metrics,
		pageSize: pageSize,
	}
}

func (h *Handlers) HandleSnap(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSnapRequest(w, r)
	if !ok {
		return
	}

	rec, err := h.pipeline.Submit(r.Context(), req)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	if rec.Status == store.StatusBlocked {
		writeJSON(w, http.StatusForbidden, BlockedResponse{
			ID:       rec.ID,
			Status:   rec.Status,
			Rule:     rec.Decision.Rule,
			Reason:   rec.Decision.Reason,
			Warnings: rec.Decision.Warnings,
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleSnapStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSnapRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stdoutWriter := NewSSEWriter(w, "stdout")
	stderrWriter := NewSSEWriter(w, "stderr")
	if stdoutWriter == nil || stderrWriter == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	rec, err := h.pipeline.SubmitStreaming(r.Context(), req, stdoutWriter, stderrWriter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming run failed")
		sendSSEError(w, "run failed")
		return
	}

	// Blocked runs produce no output events; the done payload carries the
	// decision like any other record.
	doneData, _ := json.Marshal(rec)
	sendSSEDone(w, string(doneData))
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.LogText == "" {
		writeError(w, "log_text is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	writeJSON(w, http.StatusOK, h.pipeline.Analyze(req.LogText))
}

func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "result ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "result not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListResults(w http.ResponseWriter, r *http.Request) {
	page := store.Page{
		Limit:  h.pageSize,
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		page.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		page.Offset = n
	}

	results, err := h.store.List(r.Context(), page)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (h *Handlers) decodeSnapRequest(w http.ResponseWriter, r *http.Request) (sandbox.Request, bool) {
	var req SnapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.Request{}, false
	}
	if req.RepoPath == "" {
		writeError(w, "repo_path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.Request{}, false
	}
	if req.Command == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.Request{}, false
	}

	return sandbox.Request{
		RepoPath:   req.RepoPath,
		Command:    req.Command,
		Timeout:    req.Timeout.Duration,
		Subdir:     req.Subdir,
		Env:        req.Env,
		IncludeGit: req.IncludeGit,
	}, true
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sandbox.ErrInvalidRequest) {
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	h.metrics.RecordError("internal")
	log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("run failed")
	writeError(w, "run failed", "INTERNAL", http.StatusInternalServerError, r)
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
