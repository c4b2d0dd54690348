package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validationf("op", "bad"), http.StatusBadRequest},
		{apperr.NotFound("op", apperr.ErrNotFound), http.StatusNotFound},
		{apperr.Conflict("op", apperr.ErrSubmissionInFlight), http.StatusConflict},
		{apperr.InsufficientCredits("op"), http.StatusPaymentRequired},
		{apperr.Auth("op", apperr.ErrAuthExpired), http.StatusUnauthorized},
		{apperr.Transport("op", errors.New("reset")), http.StatusServiceUnavailable},
		{apperr.Connectivity("op", errors.New("gave up")), http.StatusServiceUnavailable},
		{apperr.Rejection("op", errors.New("nsfw")), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", apperr.InsufficientCredits("op")), http.StatusPaymentRequired},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusForError(tc.err), tc.err.Error())
	}
}

func TestRespondAppError(t *testing.T) {
	var lb strings.Builder
	rec := httptest.NewRecorder()
	RespondAppError(rec, &lb, apperr.InsufficientCredits("reserve"))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body["kind"])
	assert.Contains(t, lb.String(), "402")
}

func TestAddToLogMessage(t *testing.T) {
	var lb strings.Builder
	AddToLogMessage(&lb, "[API]")
	AddToLogMessage(&lb, "done")
	assert.Equal(t, "[API];\ndone;\n", lb.String())
}

func TestMiddlewares(t *testing.T) {
	h := LatencyMiddleware(logger.Nop(), CORSMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
