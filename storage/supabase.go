package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"golang.org/x/oauth2"
)

// SupabaseStore talks to the Supabase Storage REST API.
type SupabaseStore struct {
	baseURL string
	apiKey  string
	tokens  oauth2.TokenSource
	client  *http.Client
}

func NewSupabaseStore(baseURL, apiKey string, tokens oauth2.TokenSource, client *http.Client) *SupabaseStore {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		client:  client,
	}
}

func (s *SupabaseStore) objectURL(bucket, key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, bucket, escapeKey(key))
}

func (s *SupabaseStore) do(ctx context.Context, op, method, target string, body io.Reader, size int64, contentType string) error {
	token, err := auth.BearerToken(s.tokens)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return apperr.Validation(op, err)
	}
	if size >= 0 && body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return classifyStatus(op, resp.StatusCode, payload)
}

func (s *SupabaseStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	return s.do(ctx, "storage put", http.MethodPut, s.objectURL(bucket, key), body, size, contentType)
}

func (s *SupabaseStore) Delete(ctx context.Context, bucket, key string) error {
	return s.do(ctx, "storage delete", http.MethodDelete, s.objectURL(bucket, key), nil, -1, "")
}

func (s *SupabaseStore) URL(_ context.Context, bucket, key string) (string, error) {
	return PublicObjectURL(s.baseURL, bucket, key), nil
}
