// Package image provides a unified image generation provider interface.
package image

import (
	"context"
	"time"
)

// GenerateRequest represents an image generation request.
type GenerateRequest struct {
	Prompt         string            `json:"prompt"`
	NegativePrompt string            `json:"negative_prompt,omitempty"`
	Model          string            `json:"model,omitempty"`
	N              int               `json:"n,omitempty"`            // Number of images
	AspectRatio    string            `json:"aspect_ratio,omitempty"` // 1:1, 16:9, 9:16
	Seed           int64             `json:"seed,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// GenerateResponse represents the response from image generation.
type GenerateResponse struct {
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Images    []ImageData `json:"images"`
	Usage     ImageUsage  `json:"usage,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ImageData represents a generated image.
type ImageData struct {
	B64JSON  string `json:"b64_json,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Seed     int64  `json:"seed,omitempty"`
}

// ImageUsage represents usage statistics.
type ImageUsage struct {
	ImagesGenerated int     `json:"images_generated"`
	Cost            float64 `json:"cost,omitempty"`
}

// Generator defines the image generation provider interface.
type Generator interface {
	// Generate creates images from a text prompt.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider name.
	Name() string

	// SupportedAspectRatios returns supported aspect ratios.
	SupportedAspectRatios() []string
}
