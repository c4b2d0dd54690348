// Package auth keeps the bearer credentials used against storage and the remote ledger fresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"golang.org/x/oauth2"
)

// expiryDelta refreshes slightly before the token actually expires.
const expiryDelta = 30 * time.Second

// SessionTokenSource yields the current Supabase access token and refreshes it
// with the refresh token once it expires.
type SessionTokenSource struct {
	baseURL string
	apiKey  string
	client  *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func NewSessionTokenSource(baseURL, apiKey, accessToken, refreshToken string, client *http.Client) *SessionTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SessionTokenSource{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		client:       client,
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// TokenSource wraps s so the token is only refreshed when it is about to expire.
func (s *SessionTokenSource) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, s)
}

// Token implements oauth2.TokenSource.
func (s *SessionTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" {
		exp, err := ExpiresAt(s.accessToken)
		if err == nil && (exp.IsZero() || time.Until(exp) > expiryDelta) {
			return &oauth2.Token{AccessToken: s.accessToken, TokenType: "Bearer", Expiry: exp}, nil
		}
	}
	if s.refreshToken == "" {
		return nil, apperr.Auth("refresh token", apperr.ErrAuthExpired)
	}
	return s.refresh(context.Background())
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (s *SessionTokenSource) refresh(ctx context.Context) (*oauth2.Token, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": s.refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Transport("refresh token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, apperr.Transport("refresh token", fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, apperr.Auth("refresh token", fmt.Errorf("%w: status %d", apperr.ErrAuthExpired, resp.StatusCode))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, apperr.Auth("refresh token", apperr.ErrAuthExpired)
	}

	s.accessToken = out.AccessToken
	if out.RefreshToken != "" {
		s.refreshToken = out.RefreshToken
	}
	expiry := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if exp, err := ExpiresAt(out.AccessToken); err == nil && !exp.IsZero() {
		expiry = exp
	}
	return &oauth2.Token{AccessToken: out.AccessToken, TokenType: "Bearer", Expiry: expiry}, nil
}

// StaticTokenSource is used when no Supabase session is configured (S3/MinIO backends, tests).
func StaticTokenSource(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// BearerToken fetches a token from ts, mapping failures to AuthError.
func BearerToken(ts oauth2.TokenSource) (string, error) {
	if ts == nil {
		return "", nil
	}
	tok, err := ts.Token()
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return "", apperr.Auth("token", err)
		}
		return "", err
	}
	return tok.AccessToken, nil
}
