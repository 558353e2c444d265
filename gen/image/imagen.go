package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/adstudio/gen"
)

// ImagenConfig configures the Imagen provider.
type ImagenConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ImagenProvider implements image generation over a predict-style API.
type ImagenProvider struct {
	cfg    ImagenConfig
	client *http.Client
}

// NewImagenProvider creates a new Imagen image provider.
func NewImagenProvider(cfg ImagenConfig) *ImagenProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "imagen-3.0-generate-002"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &ImagenProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *ImagenProvider) Name() string { return "imagen" }

func (p *ImagenProvider) SupportedAspectRatios() []string {
	return []string{"1:1", "3:4", "4:3", "9:16", "16:9"}
}

type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParams     `json:"parameters,omitempty"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParams struct {
	SampleCount    int    `json:"sampleCount,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
}

type imagenResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType,omitempty"`
	} `json:"predictions"`
}

// Generate creates images from a text prompt.
func (p *ImagenProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	n := req.N
	if n == 0 {
		n = 1
	}

	body := imagenRequest{
		Instances: []imagenInstance{{Prompt: req.Prompt}},
		Parameters: imagenParams{
			SampleCount:    n,
			AspectRatio:    req.AspectRatio,
			NegativePrompt: req.NegativePrompt,
			Seed:           req.Seed,
		},
	}

	payload, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/v1beta/models/%s:predict?key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, p.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrUpstreamError, "imagen request failed").
			WithCause(err).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, gen.MapHTTPStatus(p.Name(), resp.StatusCode, string(errBody))
	}

	var iResp imagenResponse
	if err := json.NewDecoder(resp.Body).Decode(&iResp); err != nil {
		return nil, fmt.Errorf("failed to decode imagen response: %w", err)
	}

	if len(iResp.Predictions) == 0 {
		return nil, gen.NewError(gen.ErrContentFiltered, "imagen returned no predictions").
			WithProvider(p.Name())
	}

	images := make([]ImageData, 0, len(iResp.Predictions))
	for _, pred := range iResp.Predictions {
		mime := pred.MimeType
		if mime == "" {
			mime = "image/png"
		}
		images = append(images, ImageData{
			B64JSON:  pred.BytesBase64Encoded,
			MimeType: mime,
			Seed:     req.Seed,
		})
	}

	return &GenerateResponse{
		Provider: p.Name(),
		Model:    model,
		Images:   images,
		Usage: ImageUsage{
			ImagesGenerated: len(images),
		},
		CreatedAt: time.Now(),
	}, nil
}

// HealthCheck probes the models endpoint with a short deadline.
func (p *ImagenProvider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models?key=%s", strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &gen.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	return &gen.HealthStatus{
		Healthy: resp.StatusCode < 400,
		Latency: latency,
	}, nil
}
