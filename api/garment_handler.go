package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

type createGarmentRequest struct {
	Title                 string   `json:"title"`
	Category              string   `json:"category"`
	ImageURI              string   `json:"image_uri,omitempty"`
	Asset                 string   `json:"asset,omitempty"`
	Brand                 string   `json:"brand,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	LayerPriorityOverride *int     `json:"layer_priority_override,omitempty"`
	GenderAffinity        string   `json:"gender_affinity,omitempty"`
}

// GarmentsHandler lists (GET, optional ?category=) or adds (POST) garments.
func (h *Handler) GarmentsHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Garments API]")

	switch r.Method {
	case http.MethodGet:
		garments := h.store.Garments()
		if c := r.URL.Query().Get("category"); c != "" {
			category, err := models.ParseCategory(c)
			if err != nil {
				utils.RespondError(w, &logMessageBuilder, err.Error(), http.StatusBadRequest)
				return
			}
			filtered := garments[:0]
			for _, g := range garments {
				if g.Category == category {
					filtered = append(filtered, g)
				}
			}
			garments = filtered
		}
		if garments == nil {
			garments = []models.Garment{}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"garments": garments})
	case http.MethodPost:
		var req createGarmentRequest
		if err := decodeJSON(r, &req); err != nil {
			utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		category, err := models.ParseCategory(req.Category)
		if err != nil {
			utils.RespondError(w, &logMessageBuilder, err.Error(), http.StatusBadRequest)
			return
		}
		g, err := h.store.AddGarment(models.Garment{
			Title:                 req.Title,
			Category:              category,
			Image:                 models.ImageRef{URI: req.ImageURI, Asset: req.Asset},
			Brand:                 req.Brand,
			Tags:                  req.Tags,
			IsUserAdded:           true,
			LayerPriorityOverride: req.LayerPriorityOverride,
			GenderAffinity:        req.GenderAffinity,
		})
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Garment added: %s", g.ID))
		utils.RespondJSON(w, http.StatusCreated, g)
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}

// ImportGarmentHandler imports a garment from a product page given as ?url= or a JSON body.
func (h *Handler) ImportGarmentHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Import Garment API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}

	// Support both query params and JSON body
	productURL := r.URL.Query().Get("url")
	category := r.URL.Query().Get("category")
	if productURL == "" {
		var req struct {
			URL      string `json:"url"`
			Category string `json:"category"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			productURL = req.URL
			if category == "" {
				category = req.Category
			}
		}
	}
	if productURL == "" {
		utils.RespondError(w, &logMessageBuilder, "Please provide a 'url' query parameter or JSON body", http.StatusBadRequest)
		return
	}

	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Importing URL: %s", productURL))
	g, err := h.tryon.ImportGarment(r.Context(), productURL, category)
	if err != nil {
		utils.RespondAppError(w, &logMessageBuilder, err)
		return
	}
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Import successful: %s", g.ID))
	utils.RespondJSON(w, http.StatusCreated, g)
}

// GarmentHandler reads (GET) or removes (DELETE) one garment.
func (h *Handler) GarmentHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	id := r.PathValue("id")
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("[Garment API] %s %s", r.Method, id))

	switch r.Method {
	case http.MethodGet:
		g, err := h.store.Garment(id)
		if err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := h.store.RemoveGarment(id); err != nil {
			utils.RespondAppError(w, &logMessageBuilder, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Garment removed", "id": id})
	default:
		methodNotAllowed(w, &logMessageBuilder)
	}
}
