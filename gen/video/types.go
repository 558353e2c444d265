// Package video provides a unified video generation provider interface.
package video

import (
	"context"
	"time"
)

// GenerateRequest represents a video generation request.
type GenerateRequest struct {
	Prompt          string            `json:"prompt"`
	NegativePrompt  string            `json:"negative_prompt,omitempty"`
	Model           string            `json:"model,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	ImageBase64     string            `json:"image_base64,omitempty"` // image-to-video seed frame
	GenerateAudio   bool              `json:"generate_audio,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// GenerateResponse represents the response from video generation.
type GenerateResponse struct {
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Videos    []VideoData `json:"videos"`
	Usage     VideoUsage  `json:"usage,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// VideoData represents a generated video.
type VideoData struct {
	B64JSON  string  `json:"b64_json,omitempty"`
	URL      string  `json:"url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// VideoUsage represents usage statistics.
type VideoUsage struct {
	VideosGenerated int     `json:"videos_generated"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Generator defines the video generation provider interface.
// Generation is a long-running operation; Generate blocks until the
// operation completes or the context is cancelled.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Name() string
}
