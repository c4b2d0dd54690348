package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

// CreditsResponse is the ledger as the client sees it.
type CreditsResponse struct {
	models.LedgerState
	CanSubmit  bool  `json:"can_submit"`
	InFlight   int   `json:"in_flight"`
	Reconciled *bool `json:"reconciled,omitempty"`
}

func (h *Handler) credits(reconciled *bool) CreditsResponse {
	state := h.ledger.LocalCache()
	return CreditsResponse{
		LedgerState: state,
		CanSubmit:   state.CanSubmit(),
		InFlight:    h.ledger.InFlight(),
		Reconciled:  reconciled,
	}
}

// CreditsHandler returns the cached balance.
func (h *Handler) CreditsHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Credits API]")

	if r.Method != http.MethodGet {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.credits(nil))
}

// ReconcileHandler refreshes the balance from the remote ledger. A failed or skipped
// reconcile still answers 200 with the cached balance and reconciled=false.
func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Reconcile Credits API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	_, ok := h.ledger.Reconcile(r.Context())
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Reconciled: %t", ok))
	utils.RespondJSON(w, http.StatusOK, h.credits(&ok))
}

// PurchaseHandler buys a package: {"package_id": "..."}.
func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Purchase API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	var req struct {
		PackageID string `json:"package_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.PackageID == "" {
		utils.RespondError(w, &logMessageBuilder, "package_id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.ledger.Purchase(r.Context(), req.PackageID); err != nil {
		utils.RespondAppError(w, &logMessageBuilder, err)
		return
	}
	utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Purchased %s", req.PackageID))
	utils.RespondJSON(w, http.StatusOK, h.credits(nil))
}

// RestoreHandler re-reads the subscription state.
func (h *Handler) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Restore Purchases API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	if _, err := h.ledger.Restore(r.Context()); err != nil {
		utils.RespondAppError(w, &logMessageBuilder, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.credits(nil))
}

// LogoutHandler wipes the session's profiles, garments, jobs and ledger.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	var logMessageBuilder strings.Builder
	defer h.flush(&logMessageBuilder)
	utils.AddToLogMessage(&logMessageBuilder, "[Logout API]")

	if r.Method != http.MethodPost {
		methodNotAllowed(w, &logMessageBuilder)
		return
	}
	if n := h.ledger.InFlight(); n > 0 {
		utils.RespondError(w, &logMessageBuilder, fmt.Sprintf("%d try-on(s) still running", n), http.StatusConflict)
		return
	}
	h.store.ClearUserData()
	if err := h.store.Flush(r.Context()); err != nil {
		utils.AddToLogMessage(&logMessageBuilder, fmt.Sprintf("Flush after logout failed: %v", err))
	}
	utils.AddToLogMessage(&logMessageBuilder, "Session cleared")
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
