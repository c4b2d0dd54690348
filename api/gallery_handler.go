package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

// GalleryResponse represents the response structure for the gallery API
type GalleryResponse struct {
	Images      []models.TryOnJob `json:"images"`
	Total       int64             `json:"total"`
	CurrentPage int               `json:"current_page"`
	TotalPages  int               `json:"total_pages"`
}

// GalleryHandler pages through the session's jobs, newest first. Completed jobs by
// default; ?status= selects another status or "all".
func (h *Handler) GalleryHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Gallery API]")

	if r.Method != http.MethodGet {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}

	pageStr := r.URL.Query().Get("page")
	limitStr := r.URL.Query().Get("limit")

	page := 1
	limit := 10

	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	status := models.JobCompleted
	switch s := strings.ToLower(r.URL.Query().Get("status")); s {
	case "":
	case "all":
		status = ""
	default:
		status = models.JobStatus(s)
	}

	jobs, total := h.store.JobsPage(status, page, limit)

	// Ensure empty slice is returned as [] instead of null
	if jobs == nil {
		jobs = []models.TryOnJob{}
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	utils.RespondJSON(w, http.StatusOK, GalleryResponse{
		Images:      jobs,
		Total:       int64(total),
		CurrentPage: page,
		TotalPages:  totalPages,
	})
}
