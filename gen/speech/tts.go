package speech

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

// TTSConfig configures the TTS provider.
type TTSConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Timeout time.Duration
}

// TTSProvider implements narration synthesis over a speech API.
type TTSProvider struct {
	cfg    TTSConfig
	client *http.Client
}

// NewTTSProvider creates a new TTS provider.
func NewTTSProvider(cfg TTSConfig) *TTSProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1-hd"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &TTSProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *TTSProvider) Name() string { return "tts" }

type ttsRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize converts text to speech.
func (p *TTSProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	if req.Text == "" {
		return nil, gen.NewError(gen.ErrInvalidRequest, "tts text is empty").WithProvider(p.Name())
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}

	body := ttsRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
	}
	if req.Speed > 0 {
		body.Speed = req.Speed
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/speech",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrUpstreamError, "tts request failed").
			WithCause(err).WithRetryable(true).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, gen.MapHTTPStatus(p.Name(), resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tts audio: %w", err)
	}

	return &TTSResponse{
		Provider:  p.Name(),
		Model:     model,
		Audio:     audio,
		Format:    format,
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}

// ListVoices returns the supported narration voices.
func (p *TTSProvider) ListVoices(ctx context.Context) ([]Voice, error) {
	return []Voice{
		{ID: "alloy", Name: "Alloy", Gender: "neutral", Description: "Neutral, balanced voice"},
		{ID: "echo", Name: "Echo", Gender: "male", Description: "Warm, conversational male voice"},
		{ID: "nova", Name: "Nova", Gender: "female", Description: "Friendly, upbeat female voice"},
		{ID: "onyx", Name: "Onyx", Gender: "male", Description: "Deep, authoritative male voice"},
		{ID: "shimmer", Name: "Shimmer", Gender: "female", Description: "Clear, professional female voice"},
	}, nil
}

// HealthCheck probes the voices listing path with a short deadline.
func (p *TTSProvider) HealthCheck(ctx context.Context) (*gen.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

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
