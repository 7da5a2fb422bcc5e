package assets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/voxboard/voxboard/pkg/vox"
)

// ClientConfig selects the remote models used for asset generation.
type ClientConfig struct {
	APIKey     string
	ImageModel string
	VideoModel string
	TextModel  string

	// VideoPollInterval is the delay between status polls of a long-running
	// video generation operation.
	VideoPollInterval time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ImageModel == "" {
		c.ImageModel = "imagen-3.0-generate-002"
	}
	if c.VideoModel == "" {
		c.VideoModel = "veo-2.0-generate-001"
	}
	if c.TextModel == "" {
		c.TextModel = "gemini-2.0-flash"
	}
	if c.VideoPollInterval <= 0 {
		c.VideoPollInterval = 5 * time.Second
	}
}

// genaiBackend implements backend against the generative API client.
type genaiBackend struct {
	client *genai.Client
	cfg    ClientConfig
}

func newGenaiBackend(ctx context.Context, cfg ClientConfig) (*genaiBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, vox.NewPreconditionError("api key is required for asset generation")
	}
	cfg.applyDefaults()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create generation client: %w", err)
	}
	return &genaiBackend{client: client, cfg: cfg}, nil
}

func (b *genaiBackend) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	resp, err := b.client.Models.GenerateImages(ctx, b.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, "", err
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, "", vox.NewEmptyError("image generation returned no images")
	}
	img := resp.GeneratedImages[0].Image
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return img.ImageBytes, mimeType, nil
}

func (b *genaiBackend) GenerateVideo(ctx context.Context, prompt string) ([]byte, string, error) {
	op, err := b.client.Models.GenerateVideos(ctx, b.cfg.VideoModel, prompt, nil, nil)
	if err != nil {
		return nil, "", err
	}
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(b.cfg.VideoPollInterval):
		}
		op, err = b.client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, "", err
		}
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return nil, "", vox.NewEmptyError("video generation returned no videos")
	}
	video := op.Response.GeneratedVideos[0].Video
	mimeType := video.MIMEType
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return video.VideoBytes, mimeType, nil
}

func (b *genaiBackend) GenerateText(ctx context.Context, prompt string, wantJSON bool) (string, error) {
	var cfg *genai.GenerateContentConfig
	if wantJSON {
		cfg = &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	}
	resp, err := b.client.Models.GenerateContent(ctx, b.cfg.TextModel, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", vox.NewEmptyError("text generation returned no content")
	}
	return text, nil
}
