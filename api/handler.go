package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/raushankrgupta/fitly-tryon/ledger"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/store"
	"github.com/raushankrgupta/fitly-tryon/tryon"
	"github.com/raushankrgupta/fitly-tryon/utils"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Handler serves the session's control surface.
type Handler struct {
	store     *store.SessionStore
	ledger    *ledger.CreditLedger
	tryon     *tryon.Service
	log       *logger.Logger
	uploadDir string
	jwtSecret []byte
}

type Options struct {
	// UploadDir receives photos posted as multipart files until they are uploaded.
	UploadDir string
	// JWTSecret enables bearer token checks when set.
	JWTSecret []byte
}

func New(s *store.SessionStore, l *ledger.CreditLedger, svc *tryon.Service, log *logger.Logger, opts Options) *Handler {
	if opts.UploadDir == "" {
		opts.UploadDir = UploadDir
	}
	return &Handler{
		store:     s,
		ledger:    l,
		tryon:     svc,
		log:       logger.OrNop(log).With("component", "api"),
		uploadDir: opts.UploadDir,
		jwtSecret: opts.JWTSecret,
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	wrap := func(fn http.HandlerFunc) http.HandlerFunc {
		return utils.CORSMiddleware(h.AuthMiddleware(fn))
	}
	mux.HandleFunc("/profiles", wrap(h.ProfilesHandler))
	mux.HandleFunc("/profiles/{id}", wrap(h.ProfileHandler))
	mux.HandleFunc("/profiles/{id}/activate", wrap(h.ActivateProfileHandler))
	mux.HandleFunc("/profiles/{id}/photos", wrap(h.ProfilePhotosHandler))
	mux.HandleFunc("/garments", wrap(h.GarmentsHandler))
	mux.HandleFunc("/garments/import", wrap(h.ImportGarmentHandler))
	mux.HandleFunc("/garments/{id}", wrap(h.GarmentHandler))
	mux.HandleFunc("/try-on", wrap(h.VirtualTryOnHandler))
	mux.HandleFunc("/jobs/{id}", wrap(h.JobHandler))
	mux.HandleFunc("/gallery", wrap(h.GalleryHandler))
	mux.HandleFunc("/credits", wrap(h.CreditsHandler))
	mux.HandleFunc("/credits/reconcile", wrap(h.ReconcileHandler))
	mux.HandleFunc("/credits/purchase", wrap(h.PurchaseHandler))
	mux.HandleFunc("/credits/restore", wrap(h.RestoreHandler))
	mux.HandleFunc("/logout", wrap(h.LogoutHandler))
}

// AuthMiddleware requires a bearer token for the session owner when a secret is configured.
func (h *Handler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(h.jwtSecret) == 0 {
			next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, h.store.OwnerID())))
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			utils.RespondError(w, nil, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := auth.VerifyToken(h.jwtSecret, token)
		if err != nil {
			utils.RespondError(w, nil, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if userID != h.store.OwnerID() {
			utils.RespondError(w, nil, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// GetUserIDFromContext returns the user the request was authenticated as.
func GetUserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", errors.New("user id not found in context")
	}
	return userID, nil
}

// flush writes the request's log trail through the structured logger.
func (h *Handler) flush(b *strings.Builder) {
	h.log.Info(strings.TrimSpace(b.String()))
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, b *strings.Builder) {
	utils.RespondError(w, b, "Method not allowed", http.StatusMethodNotAllowed)
}
