package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/generative-ai-go/genai"
	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/models"
	"google.golang.org/api/option"
)

// ResultUploader stores generated images. *uploader.Uploader satisfies it.
type ResultUploader interface {
	UploadBytes(ctx context.Context, bucket, ownerID string, data []byte, ext string) (string, error)
	URL(ctx context.Context, bucket, key string) (string, error)
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiCompositor renders the try-on with a Gemini image model. It always answers
// synchronously: the generated image is uploaded and its URL returned inline.
type GeminiCompositor struct {
	client   *genai.Client
	model    contentGenerator
	fetcher  *http.Client
	uploader ResultUploader
	bucket   string
	ownerID  string
	log      *logger.Logger
}

func NewGeminiCompositor(ctx context.Context, apiKey, modelName string, up ResultUploader, bucket, ownerID string, log *logger.Logger) (*GeminiCompositor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiCompositor{
		client:   client,
		model:    client.GenerativeModel(modelName),
		fetcher:  &http.Client{Timeout: 30 * time.Second},
		uploader: up,
		bucket:   bucket,
		ownerID:  ownerID,
		log:      logger.OrNop(log).With("component", "gemini_compositor", "model", modelName),
	}, nil
}

func (g *GeminiCompositor) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GeminiCompositor) Create(ctx context.Context, req models.CompositionRequest) (CreateResult, error) {
	const op = "gemini create"
	person, err := g.fetchImage(ctx, req.HumanImageURI)
	if err != nil {
		return CreateResult{}, fmt.Errorf("fetch person image: %w", err)
	}
	parts := []genai.Part{genai.Text(buildPrompt(req)), person}
	for i, uri := range req.GarmentImageURIs {
		img, err := g.fetchImage(ctx, uri)
		if err != nil {
			return CreateResult{}, fmt.Errorf("fetch garment image %d: %w", i, err)
		}
		parts = append(parts, img)
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return CreateResult{}, err
		}
		return CreateResult{}, apperr.Transport(op, err)
	}

	data, reason := extractImage(resp)
	if data == nil {
		g.log.Warn("no image generated", "reason", reason)
		return CreateResult{Success: false, Error: reason}, nil
	}

	key, err := g.uploader.UploadBytes(ctx, g.bucket, g.ownerID, data, "")
	if err != nil {
		return CreateResult{}, fmt.Errorf("store generated image: %w", err)
	}
	resultURL, err := g.uploader.URL(ctx, g.bucket, key)
	if err != nil {
		return CreateResult{}, fmt.Errorf("resolve generated image url: %w", err)
	}
	return CreateResult{Success: true, ResultImageURL: resultURL, ResultKey: key}, nil
}

func (g *GeminiCompositor) Status(ctx context.Context, remoteJobID string) (StatusResult, error) {
	return StatusResult{}, apperr.Validationf("gemini status", "gemini compositor has no async jobs (asked for %s)", remoteJobID)
}

func buildPrompt(req models.CompositionRequest) string {
	var b strings.Builder
	b.WriteString("Dress the person in the first image with the garments in the following images.\n")
	b.WriteString("Keep the person's face, body shape, pose and background exactly as they are.\n")
	b.WriteString("Layer the garments in the order given, innermost first:\n")
	for i, c := range req.GarmentCategories {
		fmt.Fprintf(&b, "%d. %s (image %d)\n", i+1, c, i+2)
	}
	if req.Gender != "" {
		fmt.Fprintf(&b, "Person gender: %s\n", req.Gender)
	}
	if req.StyleNote != "" {
		fmt.Fprintf(&b, "Styling note: %s\n", req.StyleNote)
	}
	b.WriteString("Return a single photorealistic image.")
	return b.String()
}

// extractImage returns the first image blob, or nil plus a human-readable reason.
func extractImage(resp *genai.GenerateContentResponse) ([]byte, string) {
	if resp == nil {
		return nil, "empty response"
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return nil, fmt.Sprintf("request blocked: %s", fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, "no content generated"
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, "image rejected by safety filter"
	}
	if cand.Content == nil {
		return nil, "no content generated"
	}
	var text []string
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Blob:
			if strings.HasPrefix(p.MIMEType, "image/") && len(p.Data) > 0 {
				return p.Data, ""
			}
		case genai.Text:
			text = append(text, string(p))
		}
	}
	if len(text) > 0 {
		return nil, strings.TrimSpace(strings.Join(text, " "))
	}
	return nil, "model returned no image"
}

func (g *GeminiCompositor) fetchImage(ctx context.Context, pathOrURL string) (genai.Part, error) {
	data, err := g.readImage(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, apperr.Validationf("fetch image", "%s is %s, not an image", pathOrURL, mt.String())
	}
	return genai.ImageData(strings.TrimPrefix(mt.String(), "image/"), data), nil
}

func (g *GeminiCompositor) readImage(ctx context.Context, pathOrURL string) ([]byte, error) {
	const op = "fetch image"
	if !strings.HasPrefix(pathOrURL, "http") {
		data, err := os.ReadFile(strings.TrimPrefix(pathOrURL, "file://"))
		if err != nil {
			return nil, apperr.Validation(op, fmt.Errorf("%w: %v", apperr.ErrFileNotFound, err))
		}
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pathOrURL, nil)
	if err != nil {
		return nil, apperr.Validation(op, err)
	}
	resp, err := g.fetcher.Do(req)
	if err != nil {
		return nil, apperr.Transport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FromStatus(op, resp.StatusCode, "")
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}
