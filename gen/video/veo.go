package video

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

// VeoConfig configures the Veo provider.
type VeoConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	PollInterval time.Duration
}

// VeoProvider implements video generation over a generateVideos-style
// long-running operation API.
type VeoProvider struct {
	cfg    VeoConfig
	client *http.Client
}

// NewVeoProvider creates a new Veo video provider.
func NewVeoProvider(cfg VeoConfig) *VeoProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "veo-3.1-generate-preview"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}

	return &VeoProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *VeoProvider) Name() string { return "veo" }

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParams     `json:"parameters,omitempty"`
}

type veoInstance struct {
	Prompt string    `json:"prompt"`
	Image  *veoImage `json:"image,omitempty"`
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
}

type veoParams struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	NegativePrompt  string `json:"negativePrompt,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	GenerateAudio   bool   `json:"generateAudio,omitempty"`
}

type veoResponse struct {
	Predictions []struct {
		Video string `json:"video"`
	} `json:"predictions"`
}

// Generate creates a video and blocks until the operation completes.
func (p *VeoProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	duration := req.DurationSeconds
	if duration == 0 {
		duration = 8
	}

	instance := veoInstance{Prompt: req.Prompt}
	if req.ImageBase64 != "" {
		instance.Image = &veoImage{BytesBase64Encoded: req.ImageBase64}
	}

	body := veoRequest{
		Instances: []veoInstance{instance},
		Parameters: veoParams{
			AspectRatio:     req.AspectRatio,
			NegativePrompt:  req.NegativePrompt,
			DurationSeconds: duration,
			GenerateAudio:   req.GenerateAudio,
		},
	}

	payload, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateVideos?key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, p.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrUpstreamError, "veo request failed").
			WithCause(err).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, gen.MapHTTPStatus(p.Name(), resp.StatusCode, string(errBody))
	}

	var opResp struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opResp); err != nil {
		return nil, fmt.Errorf("failed to decode veo response: %w", err)
	}
	if opResp.Name == "" {
		return nil, gen.NewError(gen.ErrUpstreamError, "veo returned no operation name").
			WithProvider(p.Name())
	}

	result, err := p.pollOperation(ctx, opResp.Name)
	if err != nil {
		return nil, err
	}

	videos := make([]VideoData, 0, len(result.Predictions))
	for _, pred := range result.Predictions {
		videos = append(videos, VideoData{
			B64JSON:  pred.Video,
			Duration: float64(duration),
		})
	}

	return &GenerateResponse{
		Provider: p.Name(),
		Model:    model,
		Videos:   videos,
		Usage: VideoUsage{
			VideosGenerated: len(videos),
			DurationSeconds: float64(duration),
		},
		CreatedAt: time.Now(),
	}, nil
}

// pollOperation polls the long-running operation until done.
func (p *VeoProvider) pollOperation(ctx context.Context, opName string) (*veoResponse, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, gen.NewError(gen.ErrUpstreamTimeout, "veo operation polling cancelled").
				WithCause(ctx.Err()).WithProvider(p.Name())
		case <-ticker.C:
			url := fmt.Sprintf("%s/v1beta/%s?key=%s",
				strings.TrimRight(p.cfg.BaseURL, "/"), opName, p.cfg.APIKey)
			httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create request: %w", err)
			}

			resp, err := p.client.Do(httpReq)
			if err != nil {
				// Transient poll failures retry on the next tick.
				continue
			}
			if resp.StatusCode >= 400 {
				errBody, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return nil, gen.MapHTTPStatus(p.Name(), resp.StatusCode, string(errBody))
			}

			var opStatus struct {
				Done     bool        `json:"done"`
				Response veoResponse `json:"response"`
				Error    *struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&opStatus)
			resp.Body.Close()
			if decodeErr != nil {
				continue
			}

			if opStatus.Error != nil {
				return nil, gen.NewError(gen.ErrUpstreamError,
					fmt.Sprintf("veo generation failed: %s", opStatus.Error.Message)).
					WithProvider(p.Name())
			}
			if opStatus.Done {
				return &opStatus.Response, nil
			}
		}
	}
}

// HealthCheck probes the models endpoint with a short deadline.
func (p *VeoProvider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
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
