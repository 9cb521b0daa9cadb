package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeline/jobsync/internal/auth"
	"github.com/forgeline/jobsync/internal/jobs"
	"github.com/forgeline/jobsync/internal/jobstore"
	"github.com/forgeline/jobsync/pkg/types"
)

// Handler serves the job REST surface for observers and producers
type Handler struct {
	store     jobs.JobStore
	submitter *jobs.Submitter
}

// NewHandler creates a handler over store. Submissions and retries go
// through submitter so they reach producers.
func NewHandler(store jobs.JobStore, submitter *jobs.Submitter) *Handler {
	return &Handler{store: store, submitter: submitter}
}

// HandleSubmit handles POST /jobs
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)

	var req jobstore.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = claims.Subject
	}
	if req.Kind == "" {
		http.Error(w, "Job kind is required", http.StatusBadRequest)
		return
	}
	if !claims.CanAccess(req.OwnerID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	job := &types.Job{
		ID:      req.ID,
		OwnerID: req.OwnerID,
		Kind:    req.Kind,
		Params:  req.Params,
	}
	if err := h.submitter.Submit(job); err != nil {
		slog.Warn("Job submission rejected", "owner", req.OwnerID, "kind", req.Kind, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
}

// HandleJobStatus handles GET /jobs/{id}
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.accessibleJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleList handles GET /jobs?owner=
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		http.Error(w, "Owner is required", http.StatusBadRequest)
		return
	}
	if !claims.CanAccess(owner) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	list, err := h.store.List(owner)
	if err != nil {
		slog.Error("Failed to list jobs", "owner", owner, "error", err)
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        list,
		"activeCount": types.CountActive(list),
	})
}

// HandleCancel handles POST /jobs/{id}/cancel. Cancelling a finished job is a no-op.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.accessibleJob(w, r)
	if !ok {
		return
	}

	if err := h.store.Cancel(job.ID); err != nil {
		h.writeStoreError(w, job.ID, err)
		return
	}

	slog.Info("Job cancel requested", "job", job.ID, "owner", job.OwnerID)
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID})
}

// HandleRetry handles POST /jobs/{id}/retry
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.accessibleJob(w, r)
	if !ok {
		return
	}

	retry, err := h.submitter.Retry(job.ID)
	if err != nil {
		h.writeStoreError(w, job.ID, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": retry.ID, "retryOf": job.ID})
}

// HandleProgress handles POST /jobs/{id}/progress (producers report progress)
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var report types.ProgressReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	update := report.Update(jobID)
	if err := h.store.UpdateProgress(update); err != nil {
		h.writeStoreError(w, jobID, err)
		return
	}

	slog.Debug("Progress recorded", "job", jobID, "producer", report.Producer, "phase", report.Phase)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleFinal handles POST /jobs/{id}/final (producers report the outcome)
func (h *Handler) HandleFinal(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var report types.FinalReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	update, err := report.Update(jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Update(update); err != nil {
		h.writeStoreError(w, jobID, err)
		return
	}

	slog.Info("Job final status recorded", "job", jobID, "status", update.Status, "producer", report.Producer)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleJobStream handles GET /jobs/{id}/stream (SSE). The first event is the
// current job, followed by one update event per change until a terminal status.
func (h *Handler) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	updates := h.store.Subscribe(jobID)
	defer h.store.Unsubscribe(jobID, updates)

	job, ok := h.accessibleJob(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendSSE(w, flusher, "job", job)
	if job.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			sendSSE(w, flusher, "update", update)
			if update.Status.IsTerminal() {
				return
			}
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal stream event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// accessibleJob loads the {id} job. Jobs of other owners are reported as
// missing so their ids are not confirmed.
func (h *Handler) accessibleJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return nil, false
	}

	job, err := h.store.Get(jobID)
	if err != nil {
		h.writeStoreError(w, jobID, err)
		return nil, false
	}
	if !claimsOf(r).CanAccess(job.OwnerID) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return nil, false
	}
	return job, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Job store operation failed", "job", jobID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func claimsOf(r *http.Request) *auth.Claims {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c
	}
	return &auth.Claims{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
