// Package vision provides a unified product-analysis provider interface.
package vision

import (
	"context"
	"time"
)

// AnalyzeRequest represents a multimodal analysis request. The image is
// optional; a pure-text request analyzes the brief alone.
type AnalyzeRequest struct {
	Prompt        string            `json:"prompt"`
	Model         string            `json:"model,omitempty"`
	ImageBase64   string            `json:"image_base64,omitempty"`
	ImageMimeType string            `json:"image_mime_type,omitempty"` // image/png, image/jpeg
	ImageURL      string            `json:"image_url,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AnalyzeResponse represents the analysis result.
type AnalyzeResponse struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Analyzer defines the vision analysis provider interface.
type Analyzer interface {
	// Analyze runs multimodal analysis over a prompt and optional image.
	Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error)

	// Name returns the provider name.
	Name() string
}
