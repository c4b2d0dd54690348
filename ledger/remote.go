package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// RemoteLedger is the authoritative credit balance.
type RemoteLedger interface {
	GetUserCredits(ctx context.Context, userID string) (int, error)
	// UseCredit decrements the balance by one and returns the new balance.
	UseCredit(ctx context.Context, userID string) (int, error)
	AddCredits(ctx context.Context, userID string, amount int) (int, error)
}

// SupabaseLedger calls the credit stored procedures over PostgREST.
type SupabaseLedger struct {
	baseURL string
	apiKey  string
	tokens  oauth2.TokenSource
	client  *http.Client
}

func NewSupabaseLedger(baseURL, apiKey string, tokens oauth2.TokenSource, client *http.Client) *SupabaseLedger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SupabaseLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		client:  client,
	}
}

func (l *SupabaseLedger) GetUserCredits(ctx context.Context, userID string) (int, error) {
	return l.rpcInt(ctx, "get_user_credits", map[string]any{"p_user_id": userID})
}

func (l *SupabaseLedger) UseCredit(ctx context.Context, userID string) (int, error) {
	return l.rpcInt(ctx, "use_credit", map[string]any{"p_user_id": userID})
}

func (l *SupabaseLedger) AddCredits(ctx context.Context, userID string, amount int) (int, error) {
	return l.rpcInt(ctx, "add_credits", map[string]any{"p_user_id": userID, "p_amount": amount})
}

func (l *SupabaseLedger) rpcInt(ctx context.Context, fn string, params map[string]any) (int, error) {
	op := "rpc " + fn
	body, err := l.rpc(ctx, op, fn, params)
	if err != nil {
		return 0, err
	}
	n, ok := scalarInt(gjson.ParseBytes(body), fn)
	if !ok {
		return 0, apperr.Transport(op, fmt.Errorf("unexpected response %q", truncate(body, 200)))
	}
	return n, nil
}

func (l *SupabaseLedger) rpc(ctx context.Context, op, fn string, params any) ([]byte, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/rest/v1/rpc/%s", l.baseURL, fn), bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Validation(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("apikey", l.apiKey)
	}
	token, err := auth.BearerToken(l.tokens)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.FromStatus(op, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// scalarInt accepts the shapes PostgREST uses for scalar functions:
// a bare number, {"fn": n} or [{"fn": n}].
func scalarInt(r gjson.Result, fn string) (int, bool) {
	switch {
	case r.Type == gjson.Number:
		return int(r.Int()), true
	case r.IsArray():
		arr := r.Array()
		if len(arr) == 0 {
			return 0, false
		}
		return scalarInt(arr[0], fn)
	case r.IsObject():
		if v := r.Get(fn); v.Exists() {
			return scalarInt(v, fn)
		}
		var (
			n  int
			ok bool
		)
		r.ForEach(func(_, v gjson.Result) bool {
			n, ok = scalarInt(v, fn)
			return false
		})
		return n, ok
	}
	return 0, false
}

func errorMessage(body []byte) string {
	for _, path := range []string{"message", "error_description", "error", "msg", "hint"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return truncate(body, 200)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
