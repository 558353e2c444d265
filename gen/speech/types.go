// Package speech provides a unified text-to-speech provider interface.
package speech

import (
	"context"
	"time"
)

// TTSRequest represents a text-to-speech request.
type TTSRequest struct {
	Text     string  `json:"text"`
	Model    string  `json:"model,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Format   string  `json:"format,omitempty"` // mp3, wav, opus
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
}

// TTSResponse represents a text-to-speech response.
type TTSResponse struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Audio     []byte    `json:"-"`
	Format    string    `json:"format"`
	CharCount int       `json:"char_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Voice describes an available voice.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Gender      string `json:"gender,omitempty"`
	Description string `json:"description,omitempty"`
}

// Synthesizer defines the text-to-speech provider interface.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)
	ListVoices(ctx context.Context) ([]Voice, error)
	Name() string
}
