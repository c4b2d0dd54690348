package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Entitlements is the subscription collaborator.
type Entitlements interface {
	Purchase(ctx context.Context, packageID string) (bool, error)
	Restore(ctx context.Context) (bool, error)
}

// HTTPEntitlements posts to {baseURL}/purchase and {baseURL}/restore and reads
// entitlementActive from the response.
type HTTPEntitlements struct {
	baseURL string
	userID  string
	tokens  oauth2.TokenSource
	client  *http.Client
}

func NewHTTPEntitlements(baseURL, userID string, tokens oauth2.TokenSource, client *http.Client) *HTTPEntitlements {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEntitlements{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		tokens:  tokens,
		client:  client,
	}
}

func (e *HTTPEntitlements) Purchase(ctx context.Context, packageID string) (bool, error) {
	if strings.TrimSpace(packageID) == "" {
		return false, apperr.Validationf("purchase", "package id is required")
	}
	return e.call(ctx, "purchase", map[string]string{"packageId": packageID, "userId": e.userID})
}

func (e *HTTPEntitlements) Restore(ctx context.Context) (bool, error) {
	return e.call(ctx, "restore", map[string]string{"userId": e.userID})
}

func (e *HTTPEntitlements) call(ctx context.Context, op string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/"+op, bytes.NewReader(data))
	if err != nil {
		return false, apperr.Validation(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := auth.BearerToken(e.tokens)
	if err != nil {
		return false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		return false, apperr.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, apperr.Transport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, apperr.FromStatus(op, resp.StatusCode, errorMessage(body))
	}
	return gjson.GetBytes(body, "entitlementActive").Bool(), nil
}
