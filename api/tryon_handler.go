package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/tryon"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

// TryOnResponse is returned by the try-on and job endpoints.
type TryOnResponse struct {
	Job    models.TryOnJob `json:"tryon_details"`
	Result string          `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// VirtualTryOnHandler starts a try-on. With ?wait=true it blocks until the job is
// terminal; otherwise a job the compositor is still working on is answered with 202
// and settled in the background.
func (h *Handler) VirtualTryOnHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Virtual Try-On API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}

	var req tryon.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Try-On Request: ProfileID=%s, GarmentIDs=%v", req.ProfileID, req.GarmentIDs))

	sub, job, err := h.tryon.Start(r.Context(), req)
	if err != nil {
		utils.RespondAppError(w, &logMessageBuilder, err)
		return
	}

	if !sub.IsInline() {
		if r.URL.Query().Get("wait") != "true" {
			h.tryon.AwaitAsync(r.Context(), sub)
			utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Job %s accepted, polling in background", job.ID))
			utils.RespondJSON(w, http.StatusAccepted, TryOnResponse{Job: *job})
			return
		}
		if _, err := h.tryon.Await(r.Context(), sub); err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
	}
	h.respondJob(w, &logMessageBuilder, sub.JobID)
}

// JobHandler reads (GET, ?wait=true resumes polling) or deletes (DELETE) a job.
func (h *Handler) JobHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	id := r.PathValue("id")
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("[Job API] %s %s", r.Method, id))

	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("wait") == "true" {
			job, err := h.store.Job(id)
			if err != nil {
				utils.RespondAppError(w, &logMessageBuilder, err)
				return
			}
			if !job.Status.IsTerminal() {
				if _, err := h.tryon.Resume(r.Context(), id); err != nil {
					utils.RespondAppError(w, &logMessageBuilder, err)
					return
				}
			}
		}
		h.respondJob(w, &logMessageBuilder, id)
	case http.MethodDelete:
		removed, err := h.tryon.DeleteJob(r.Context(), id)
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Job deleted", "id": removed.ID})
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}

func (h *Handler) respondJob(w http.ResponseWriter, lb *strings.Builder, id string) {
	job, err := h.store.Job(id)
	if err != nil {
		utils.RespondAppError(w, lb, err)
		return
	}
	utils.AddToLogMessage(lb, fmt.Sprintf("Job %s is %s", job.ID, job.Status))
	utils.RespondJSON(w, http.StatusOK, TryOnResponse{
		Job:    job,
		Result: job.ResultImageURL,
		Error:  job.ErrorMessage,
	})
}
