package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dsrd/internal/engine"
	id "dsrd/pkg/domain"
)

// Handler exposes the engine's entry points over HTTP.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewHandler(e *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (id.RequestID, bool) {
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request id"})
		return id.RequestID{}, false
	}
	return requestID, true
}

type submitRequest struct {
	ExternalID       string            `json:"external_id"`
	PolicyID         id.PolicyID       `json:"policy_id"`
	Identities       map[string]string `json:"identities"`
	CustomFields     map[string]string `json:"custom_fields,omitempty"`
	IdentityVerified bool              `json:"identity_verified"`
}

type requestResponse struct {
	RequestID id.RequestID `json:"request_id"`
	Status    string       `json:"status"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req, err := h.engine.Submit(r.Context(), engine.SubmitParams{
		ExternalID:       body.ExternalID,
		PolicyID:         body.PolicyID,
		Identities:       body.Identities,
		CustomFields:     body.CustomFields,
		IdentityVerified: body.IdentityVerified,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "submit failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestResponse{RequestID: req.ID, Status: string(req.Status)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.engine.Approve(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: req.ID, Status: string(req.Status)})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req, err := h.engine.Deny(r.Context(), requestID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: req.ID, Status: string(req.Status)})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req, err := h.engine.Cancel(r.Context(), requestID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: req.ID, Status: string(req.Status)})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Retry(r.Context(), requestID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSweep triggers the polling sweep on demand. The worker runs the same
// sweep on a timer; the endpoint exists for operators who do not want to
// wait out the interval.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RequeuePollingTasks(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleRequirements(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	needed, err := h.engine.WhatIsNeeded(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if needed == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request is not stopped at a checkpoint"})
		return
	}
	writeJSON(w, http.StatusOK, needed)
}

type resumeRequest struct {
	CollectionAddress string           `json:"collection_address"`
	Rows              []map[string]any `json:"rows"`
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var body resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.engine.ResumeWithManualInput(r.Context(), requestID, body.CollectionAddress, body.Rows); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type callbackRequest struct {
	CollectionAddress string           `json:"collection_address"`
	Rows              []map[string]any `json:"rows,omitempty"`
	RowsMasked        int              `json:"rows_masked,omitempty"`
	ConsentSent       bool             `json:"consent_sent,omitempty"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var body callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result := engine.AsyncResult{
		Rows:        body.Rows,
		RowsMasked:  body.RowsMasked,
		ConsentSent: body.ConsentSent,
	}
	if err := h.engine.ResumeFromAsyncCallback(r.Context(), requestID, body.CollectionAddress, result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
