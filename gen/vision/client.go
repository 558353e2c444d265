package vision

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

// Config configures the vision analysis client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client implements product analysis over a generateContent-style API.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a new vision analysis client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return "vision" }

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type content struct {
	Parts []contentPart `json:"parts"`
	Role  string        `json:"role,omitempty"`
}

type analyzeRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type analyzeResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Analyze runs multimodal analysis over a prompt and optional image.
func (c *Client) Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	parts := []contentPart{{Text: req.Prompt}}
	if req.ImageBase64 != "" {
		mime := req.ImageMimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, contentPart{InlineData: &inlineData{MimeType: mime, Data: req.ImageBase64}})
	} else if req.ImageURL != "" {
		parts = append(parts, contentPart{FileData: &fileData{MimeType: req.ImageMimeType, FileURI: req.ImageURL}})
	}

	body := analyzeRequest{
		Contents: []content{{Parts: parts, Role: "user"}},
	}
	if req.Temperature > 0 {
		body.GenerationConfig = &generationConfig{Temperature: req.Temperature}
	}

	payload, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), model, c.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrUpstreamError, "vision request failed").
			WithCause(err).WithRetryable(true).WithProvider(c.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, gen.MapHTTPStatus(c.Name(), resp.StatusCode, string(errBody))
	}

	var aResp analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, fmt.Errorf("failed to decode vision response: %w", err)
	}

	var sb strings.Builder
	for _, candidate := range aResp.Candidates {
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, gen.NewError(gen.ErrContentFiltered, "vision response contained no text").
			WithProvider(c.Name())
	}

	return &AnalyzeResponse{
		Provider:   c.Name(),
		Model:      model,
		Content:    sb.String(),
		TokensUsed: aResp.UsageMetadata.PromptTokenCount + aResp.UsageMetadata.CandidatesTokenCount,
		CreatedAt:  time.Now(),
	}, nil
}

// HealthCheck probes the models endpoint with a short deadline.
func (c *Client) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models?key=%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
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
