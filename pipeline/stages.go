package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/adstudio/gen"
	"github.com/BaSui01/adstudio/gen/image"
	"github.com/BaSui01/adstudio/gen/speech"
	"github.com/BaSui01/adstudio/gen/video"
	"github.com/BaSui01/adstudio/gen/vision"
)

// StagesConfig configures the pipeline stages.
type StagesConfig struct {
	VisionModel       string
	ImageModel        string
	VideoModel        string
	TTSModel          string
	MaxParallelAssets int
	DefaultDuration   int
	DefaultSceneCount int
}

// DefaultStagesConfig returns the default stage configuration.
func DefaultStagesConfig() StagesConfig {
	return StagesConfig{
		MaxParallelAssets: 4,
		DefaultDuration:   8,
		DefaultSceneCount: 3,
	}
}

// Stages executes the three pipeline stages against the providers.
// Every provider call goes through the resilient caller, which layers
// budget checks, caching, circuit breaking and retries on top.
type Stages struct {
	caller   *gen.Caller
	analyzer vision.Analyzer
	imageGen image.Generator
	videoGen video.Generator
	tts      speech.Synthesizer
	cfg      StagesConfig
	logger   *zap.Logger
}

// NewStages creates the stage executor.
func NewStages(
	caller *gen.Caller,
	analyzer vision.Analyzer,
	imageGen image.Generator,
	videoGen video.Generator,
	tts speech.Synthesizer,
	cfg StagesConfig,
	logger *zap.Logger,
) *Stages {
	if cfg.MaxParallelAssets <= 0 {
		cfg.MaxParallelAssets = 4
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 8
	}
	if cfg.DefaultSceneCount <= 0 {
		cfg.DefaultSceneCount = 3
	}

	return &Stages{
		caller:   caller,
		analyzer: analyzer,
		imageGen: imageGen,
		videoGen: videoGen,
		tts:      tts,
		cfg:      cfg,
		logger:   logger,
	}
}

const analysisPromptTemplate = `You are an advertising creative director.
Analyze the product below and respond with ONLY a JSON object, no prose:
{
  "summary": "one sentence product summary",
  "selling_points": ["3-5 key selling points"],
  "target_audience": "primary audience",
  "tone": "tone of voice for the ad",
  "scene_prompts": [%d image generation prompts, one per commercial scene],
  "narration_script": "a voiceover script of roughly %d seconds"
}

Product: %s
Description: %s
Style: %s`

// AnalyzeProduct runs the analysis stage and attaches the result to the job.
func (s *Stages) AnalyzeProduct(ctx context.Context, job *CommercialJob) error {
	sceneCount := job.Brief.SceneCount
	if sceneCount <= 0 {
		sceneCount = s.cfg.DefaultSceneCount
	}
	duration := job.Brief.TargetDuration
	if duration <= 0 {
		duration = s.cfg.DefaultDuration
	}

	req := &vision.AnalyzeRequest{
		Prompt: fmt.Sprintf(analysisPromptTemplate,
			sceneCount, duration, job.Brief.ProductName, job.Brief.Description, job.Brief.Style),
		Model:       s.cfg.VisionModel,
		ImageBase64: job.Brief.ProductImageBase64,
	}

	resp, err := s.caller.Do(ctx, gen.Request{
		Provider:  s.analyzer.Name(),
		Modality:  "vision",
		Model:     s.cfg.VisionModel,
		JobID:     job.ID,
		Payload:   req,
		Units:     1,
		Cacheable: true,
	}, func(ctx context.Context) (json.RawMessage, error) {
		aResp, err := s.analyzer.Analyze(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(aResp)
	})
	if err != nil {
		return fmt.Errorf("analysis stage: %w", err)
	}

	var aResp vision.AnalyzeResponse
	if err := json.Unmarshal(resp.Data, &aResp); err != nil {
		return fmt.Errorf("analysis stage: decode response: %w", err)
	}

	analysis, err := parseAnalysis(aResp.Content)
	if err != nil {
		return fmt.Errorf("analysis stage: %w", err)
	}

	job.Analysis = analysis
	job.TotalCost += resp.Cost

	s.logger.Info("product analysis complete",
		zap.String("job_id", job.ID),
		zap.Int("scenes", len(analysis.ScenePrompts)),
		zap.Bool("from_cache", resp.FromCache),
	)
	return nil
}

// parseAnalysis extracts the JSON analysis from model output, tolerating
// markdown code fences and surrounding prose.
func parseAnalysis(content string) (*ProductAnalysis, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}

	var analysis ProductAnalysis
	if err := json.Unmarshal([]byte(content[start:end+1]), &analysis); err != nil {
		return nil, fmt.Errorf("malformed analysis JSON: %w", err)
	}
	if len(analysis.ScenePrompts) == 0 {
		return nil, fmt.Errorf("analysis contains no scene prompts")
	}
	if analysis.NarrationScript == "" {
		return nil, fmt.Errorf("analysis contains no narration script")
	}
	return &analysis, nil
}

// GenerateAssets runs scene image generation and narration synthesis in
// parallel. Any single failure aborts the whole stage.
func (s *Stages) GenerateAssets(ctx context.Context, job *CommercialJob) error {
	if job.Analysis == nil {
		return fmt.Errorf("asset stage: job has no analysis")
	}
	analysis := job.Analysis

	assets := &AssetCollection{
		Images: make([]ImageAsset, len(analysis.ScenePrompts)),
	}

	var mu sync.Mutex
	var totalCost float64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelAssets)

	for i, prompt := range analysis.ScenePrompts {
		g.Go(func() error {
			asset, cost, err := s.generateSceneImage(gctx, job, i, prompt)
			if err != nil {
				return err
			}
			mu.Lock()
			assets.Images[i] = *asset
			totalCost += cost
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		narration, cost, err := s.synthesizeNarration(gctx, job, analysis.NarrationScript)
		if err != nil {
			return err
		}
		mu.Lock()
		assets.Narration = narration
		totalCost += cost
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("asset stage: %w", err)
	}

	job.Assets = assets
	job.TotalCost += totalCost

	s.logger.Info("assets generated",
		zap.String("job_id", job.ID),
		zap.Int("images", len(assets.Images)),
	)
	return nil
}

func (s *Stages) generateSceneImage(ctx context.Context, job *CommercialJob, index int, prompt string) (*ImageAsset, float64, error) {
	req := &image.GenerateRequest{
		Prompt:      prompt,
		Model:       s.cfg.ImageModel,
		N:           1,
		AspectRatio: job.Brief.AspectRatio,
	}

	resp, err := s.caller.Do(ctx, gen.Request{
		Provider:  s.imageGen.Name(),
		Modality:  "image",
		Model:     s.cfg.ImageModel,
		JobID:     job.ID,
		Payload:   req,
		Units:     1,
		Cacheable: true,
	}, func(ctx context.Context) (json.RawMessage, error) {
		iResp, err := s.imageGen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(iResp)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scene %d: %w", index, err)
	}

	var iResp image.GenerateResponse
	if err := json.Unmarshal(resp.Data, &iResp); err != nil {
		return nil, 0, fmt.Errorf("scene %d: decode response: %w", index, err)
	}
	if len(iResp.Images) == 0 {
		return nil, 0, fmt.Errorf("scene %d: no image returned", index)
	}

	return &ImageAsset{
		SceneIndex: index,
		Prompt:     prompt,
		B64JSON:    iResp.Images[0].B64JSON,
		MimeType:   iResp.Images[0].MimeType,
	}, resp.Cost, nil
}

func (s *Stages) synthesizeNarration(ctx context.Context, job *CommercialJob, script string) (*AudioAsset, float64, error) {
	req := &speech.TTSRequest{
		Text:  script,
		Model: s.cfg.TTSModel,
		Voice: job.Brief.Voice,
	}

	// Speech is billed per 1k characters.
	units := math.Ceil(float64(len(script)) / 1000.0)

	resp, err := s.caller.Do(ctx, gen.Request{
		Provider:  s.tts.Name(),
		Modality:  "speech",
		Model:     s.cfg.TTSModel,
		JobID:     job.ID,
		Payload:   req,
		Units:     units,
		Cacheable: true,
	}, func(ctx context.Context) (json.RawMessage, error) {
		tResp, err := s.tts.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(&AudioAsset{
			AudioBase64: base64.StdEncoding.EncodeToString(tResp.Audio),
			Format:      tResp.Format,
			Voice:       req.Voice,
			CharCount:   tResp.CharCount,
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("narration: %w", err)
	}

	var narration AudioAsset
	if err := json.Unmarshal(resp.Data, &narration); err != nil {
		return nil, 0, fmt.Errorf("narration: decode response: %w", err)
	}
	return &narration, resp.Cost, nil
}

// ComposeVideo runs the final composition stage. Video generation is a
// long-running operation and never goes through the response cache.
func (s *Stages) ComposeVideo(ctx context.Context, job *CommercialJob) error {
	if job.Analysis == nil || job.Assets == nil {
		return fmt.Errorf("compose stage: job missing analysis or assets")
	}

	duration := job.Brief.TargetDuration
	if duration <= 0 {
		duration = s.cfg.DefaultDuration
	}

	prompt := fmt.Sprintf("%s. Tone: %s. %s",
		job.Analysis.Summary, job.Analysis.Tone, strings.Join(job.Analysis.ScenePrompts, " Then: "))

	req := &video.GenerateRequest{
		Prompt:          prompt,
		Model:           s.cfg.VideoModel,
		DurationSeconds: duration,
		AspectRatio:     job.Brief.AspectRatio,
		GenerateAudio:   false, // narration is a separate track
	}
	if len(job.Assets.Images) > 0 {
		req.ImageBase64 = job.Assets.Images[0].B64JSON
	}

	resp, err := s.caller.Do(ctx, gen.Request{
		Provider:  s.videoGen.Name(),
		Modality:  "video",
		Model:     s.cfg.VideoModel,
		JobID:     job.ID,
		Payload:   req,
		Units:     float64(duration),
		Cacheable: false,
	}, func(ctx context.Context) (json.RawMessage, error) {
		vResp, err := s.videoGen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(vResp)
	})
	if err != nil {
		return fmt.Errorf("compose stage: %w", err)
	}

	var vResp video.GenerateResponse
	if err := json.Unmarshal(resp.Data, &vResp); err != nil {
		return fmt.Errorf("compose stage: decode response: %w", err)
	}
	if len(vResp.Videos) == 0 {
		return fmt.Errorf("compose stage: no video returned")
	}

	job.Output = &CommercialOutput{
		VideoBase64:     vResp.Videos[0].B64JSON,
		VideoURL:        vResp.Videos[0].URL,
		DurationSeconds: vResp.Videos[0].Duration,
		Format:          "mp4",
	}
	job.TotalCost += resp.Cost

	s.logger.Info("video composed",
		zap.String("job_id", job.ID),
		zap.Float64("duration", job.Output.DurationSeconds),
		zap.Float64("total_cost", job.TotalCost),
	)
	return nil
}
