package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// HTTPClient speaks the compositor's REST contract:
// POST {base}/tryon and GET {base}/tryon/{jobId}.
type HTTPClient struct {
	baseURL string
	apiKey  string
	tokens  oauth2.TokenSource
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, tokens oauth2.TokenSource, client *http.Client) *HTTPClient {
	if client == nil {
		// No deadline on the synchronous path; callers bound it with ctx.
		client = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		client:  client,
	}
}

func (c *HTTPClient) Create(ctx context.Context, req models.CompositionRequest) (CreateResult, error) {
	const op = "inference create"
	payload, err := json.Marshal(req)
	if err != nil {
		return CreateResult{}, apperr.Validation(op, err)
	}
	body, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/tryon", payload)
	if err != nil {
		return CreateResult{}, err
	}

	res := gjson.ParseBytes(body)
	if id := res.Get("jobId").String(); id != "" {
		return CreateResult{RemoteJobID: id}, nil
	}
	if !res.Get("success").Exists() {
		return CreateResult{}, apperr.Transport(op, fmt.Errorf("malformed response: %s", snippet(body)))
	}
	out := CreateResult{
		Success:        res.Get("success").Bool(),
		ResultImageURL: res.Get("resultImageUrl").String(),
		Error:          res.Get("error").String(),
	}
	if out.Success && out.ResultImageURL == "" {
		return CreateResult{}, apperr.Transport(op, errors.New("success without resultImageUrl"))
	}
	return out, nil
}

func (c *HTTPClient) Status(ctx context.Context, remoteJobID string) (StatusResult, error) {
	const op = "inference status"
	body, err := c.do(ctx, op, http.MethodGet, c.baseURL+"/tryon/"+url.PathEscape(remoteJobID), nil)
	if err != nil {
		return StatusResult{}, err
	}
	res := gjson.ParseBytes(body)
	status := RemoteStatus(strings.ToUpper(res.Get("status").String()))
	if _, ok := status.JobStatus(); !ok {
		return StatusResult{}, apperr.Transport(op, fmt.Errorf("unknown remote status %q", res.Get("status").String()))
	}
	return StatusResult{
		Status:         status,
		ResultImageURL: firstString(res, "result", "result.url", "resultImageUrl"),
		ErrorMessage:   firstString(res, "errorMessage", "error"),
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperr.Validation(op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	token, err := auth.BearerToken(c.tokens)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Transport(op, fmt.Errorf("read body after %s: %w", time.Since(start), err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := firstString(gjson.ParseBytes(body), "error", "errorMessage", "message")
		if resp.StatusCode == http.StatusUnprocessableEntity {
			// The compositor refused the images themselves.
			return nil, apperr.Rejection(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		}
		return nil, apperr.FromStatus(op, resp.StatusCode, msg)
	}
	return body, nil
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
