package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func sampleRequest() models.CompositionRequest {
	return models.CompositionRequest{
		HumanImageURI:     "https://cdn.test/me.jpg",
		GarmentImageURIs:  []string{"https://cdn.test/top.png", "https://cdn.test/coat.png"},
		GarmentCategories: []string{"tops", "outerwear"},
		Gender:            "female",
		StyleNote:         "tucked in",
	}
}

func TestHTTPCreateSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tryon", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.test/me.jpg", body["humanImageUri"])
		assert.Len(t, body["garmentImageUris"], 2)
		assert.Equal(t, "tucked in", body["styleNote"])
		_, _ = w.Write([]byte(`{"success":true,"resultImageUrl":"https://cdn.test/out.png"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", nil, srv.Client())
	res, err := c.Create(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.False(t, res.Async())
	assert.True(t, res.Success)
	assert.Equal(t, "https://cdn.test/out.png", res.ResultImageURL)
}

func TestHTTPCreateRejectedInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"no person detected"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL, "", nil, srv.Client()).Create(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no person detected", res.Error)
}

func TestHTTPCreateAsyncAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tryon":
			_, _ = w.Write([]byte(`{"jobId":"remote-42"}`))
		case "/tryon/remote-42":
			_, _ = w.Write([]byte(`{"status":"COMPLETED","result":"https://cdn.test/out.png"}`))
		case "/tryon/remote-43":
			_, _ = w.Write([]byte(`{"status":"FAILED","errorMessage":"nsfw"}`))
		case "/tryon/remote-44":
			_, _ = w.Write([]byte(`{"status":"SLEEPING"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "", nil, srv.Client())
	ctx := context.Background()

	res, err := c.Create(ctx, sampleRequest())
	require.NoError(t, err)
	assert.True(t, res.Async())
	assert.Equal(t, "remote-42", res.RemoteJobID)

	st, err := c.Status(ctx, "remote-42")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "https://cdn.test/out.png", st.ResultImageURL)

	st, err = c.Status(ctx, "remote-43")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "nsfw", st.ErrorMessage)

	_, err = c.Status(ctx, "remote-44")
	assert.True(t, apperr.IsRetryable(err))

	_, err = c.Status(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestHTTPErrorKinds(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"bad things"}`))
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "", nil, srv.Client())

	_, err := c.Create(context.Background(), sampleRequest())
	assert.True(t, apperr.Is(err, apperr.KindAuth))

	status = http.StatusServiceUnavailable
	_, err = c.Create(context.Background(), sampleRequest())
	assert.True(t, apperr.IsRetryable(err))

	status = http.StatusUnprocessableEntity
	_, err = c.Create(context.Background(), sampleRequest())
	assert.True(t, apperr.Is(err, apperr.KindRemoteRejection))
	assert.Contains(t, err.Error(), "bad things")

	addr := srv.URL
	srv.Close()
	_, err = NewHTTPClient(addr, "", nil, nil).Status(context.Background(), "x")
	assert.True(t, apperr.IsRetryable(err))
}

func TestRemoteStatusMapping(t *testing.T) {
	got, ok := StatusInProgress.JobStatus()
	require.True(t, ok)
	assert.Equal(t, models.JobInProgress, got)
	_, ok = RemoteStatus("nope").JobStatus()
	assert.False(t, ok)
}

type fakeGenerator struct {
	resp  *genai.GenerateContentResponse
	err   error
	parts []genai.Part
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	return f.resp, f.err
}

type fakeUploader struct {
	data []byte
}

func (f *fakeUploader) UploadBytes(ctx context.Context, bucket, ownerID string, data []byte, ext string) (string, error) {
	f.data = data
	return ownerID + "/result.png", nil
}

func (f *fakeUploader) URL(ctx context.Context, bucket, key string) (string, error) {
	return "https://cdn.test/" + bucket + "/" + key, nil
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCompositor(gen contentGenerator, up ResultUploader, client *http.Client) *GeminiCompositor {
	return &GeminiCompositor{
		model:    gen,
		fetcher:  client,
		uploader: up,
		bucket:   "tryon-results",
		ownerID:  "user-1",
		log:      logger.Nop(),
	}
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("here you go"), genai.ImageData("png", data)}},
	}}}
}

func TestGeminiCreateUploadsResult(t *testing.T) {
	srv := imageServer(t)
	gen := &fakeGenerator{resp: imageResponse(pngBytes)}
	up := &fakeUploader{}
	g := newTestCompositor(gen, up, srv.Client())

	req := sampleRequest()
	req.HumanImageURI = srv.URL + "/me.png"
	req.GarmentImageURIs = []string{srv.URL + "/top.png", srv.URL + "/coat.png"}

	res, err := g.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "user-1/result.png", res.ResultKey)
	assert.Equal(t, "https://cdn.test/tryon-results/user-1/result.png", res.ResultImageURL)
	assert.Equal(t, pngBytes, up.data)
	// prompt + person + two garments
	require.Len(t, gen.parts, 4)
	prompt, ok := gen.parts[0].(genai.Text)
	require.True(t, ok)
	assert.Contains(t, string(prompt), "1. tops")
	assert.Contains(t, string(prompt), "2. outerwear")
	assert.Contains(t, string(prompt), "tucked in")
}

func TestGeminiCreateLocalPersonImage(t *testing.T) {
	srv := imageServer(t)
	path := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(path, pngBytes, 0o600))

	g := newTestCompositor(&fakeGenerator{resp: imageResponse(pngBytes)}, &fakeUploader{}, srv.Client())
	req := sampleRequest()
	req.HumanImageURI = path
	req.GarmentImageURIs = []string{srv.URL + "/top.png"}
	req.GarmentCategories = []string{"tops"}

	res, err := g.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	req.HumanImageURI = filepath.Join(t.TempDir(), "missing.png")
	_, err = g.Create(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
}

func TestGeminiRejections(t *testing.T) {
	srv := imageServer(t)
	req := sampleRequest()
	req.HumanImageURI = srv.URL + "/me.png"
	req.GarmentImageURIs = []string{srv.URL + "/top.png"}

	cases := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"blocked", &genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}}, "request blocked"},
		{"no candidates", &genai.GenerateContentResponse{}, "no content generated"},
		{"safety", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}, "safety filter"},
		{"text only", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text("I cannot do that")}}}}}, "I cannot do that"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := &fakeUploader{}
			g := newTestCompositor(&fakeGenerator{resp: tc.resp}, up, srv.Client())
			res, err := g.Create(context.Background(), req)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tc.want)
			assert.Nil(t, up.data)
		})
	}
}

func TestGeminiTransportError(t *testing.T) {
	srv := imageServer(t)
	req := sampleRequest()
	req.HumanImageURI = srv.URL + "/me.png"
	req.GarmentImageURIs = []string{srv.URL + "/top.png"}

	g := newTestCompositor(&fakeGenerator{err: errors.New("quota exceeded")}, &fakeUploader{}, srv.Client())
	_, err := g.Create(context.Background(), req)
	assert.True(t, apperr.IsRetryable(err))

	_, err = g.Status(context.Background(), "x")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
