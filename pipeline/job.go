// Package pipeline implements the commercial generation pipeline:
// product analysis, parallel asset generation and video composition.
package pipeline

import (
	"time"
)

// JobStatus represents the lifecycle state of a commercial job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusAnalyzing  JobStatus = "analyzing"
	StatusGenerating JobStatus = "generating"
	StatusComposing  JobStatus = "composing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
// Terminal states never transition again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress checkpoints per stage. Progress is monotonic within a job.
const (
	ProgressQueued     = 0
	ProgressAnalyzing  = 10
	ProgressAnalyzed   = 30
	ProgressGenerating = 35
	ProgressGenerated  = 70
	ProgressComposing  = 75
	ProgressDone       = 100
)

// Brief is the creative input for a commercial.
type Brief struct {
	ProductName        string `json:"product_name"`
	Description        string `json:"description,omitempty"`
	ProductImageBase64 string `json:"product_image_base64,omitempty"`
	TargetDuration     int    `json:"target_duration,omitempty"` // seconds
	AspectRatio        string `json:"aspect_ratio,omitempty"`
	Voice              string `json:"voice,omitempty"`
	Style              string `json:"style,omitempty"` // cinematic, energetic, minimal
	SceneCount         int    `json:"scene_count,omitempty"`
}

// ProductAnalysis is the structured output of the analysis stage.
type ProductAnalysis struct {
	Summary         string   `json:"summary"`
	SellingPoints   []string `json:"selling_points"`
	TargetAudience  string   `json:"target_audience"`
	Tone            string   `json:"tone"`
	ScenePrompts    []string `json:"scene_prompts"`
	NarrationScript string   `json:"narration_script"`
}

// ImageAsset is one generated scene frame.
type ImageAsset struct {
	SceneIndex int    `json:"scene_index"`
	Prompt     string `json:"prompt"`
	B64JSON    string `json:"b64_json,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
}

// AudioAsset is the generated narration track.
type AudioAsset struct {
	AudioBase64 string `json:"audio_base64,omitempty"`
	Format      string `json:"format,omitempty"`
	Voice       string `json:"voice,omitempty"`
	CharCount   int    `json:"char_count,omitempty"`
}

// AssetCollection holds all intermediate assets of a job.
type AssetCollection struct {
	Images    []ImageAsset `json:"images,omitempty"`
	Narration *AudioAsset  `json:"narration,omitempty"`
}

// CommercialOutput is the final composed video.
type CommercialOutput struct {
	VideoBase64     string  `json:"video_base64,omitempty"`
	VideoURL        string  `json:"video_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format"`
}

// CommercialJob is the unit of work flowing through the pipeline.
type CommercialJob struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`

	Brief    Brief             `json:"brief"`
	Analysis *ProductAnalysis  `json:"analysis,omitempty"`
	Assets   *AssetCollection  `json:"assets,omitempty"`
	Output   *CommercialOutput `json:"output,omitempty"`

	TotalCost float64 `json:"total_cost"`
	Error     string  `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventType categorizes job events pushed to subscribers.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventProgress      EventType = "progress"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
)

// JobEvent is published on every meaningful job state change.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Type      EventType `json:"type"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
