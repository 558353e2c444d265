package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
	"github.com/BaSui01/adstudio/internal/ctxkeys"
	"github.com/BaSui01/adstudio/pipeline"
)

// =============================================================================
// 🎬 广告任务 Handler
// =============================================================================

// JobsHandler 广告生成任务处理器
type JobsHandler struct {
	runner *pipeline.Runner
	logger *zap.Logger
}

// NewJobsHandler 创建任务处理器
func NewJobsHandler(runner *pipeline.Runner, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{
		runner: runner,
		logger: logger,
	}
}

// SubmitJobRequest 任务提交请求
type SubmitJobRequest struct {
	ProductName        string `json:"product_name"`
	Description        string `json:"description,omitempty"`
	ProductImageBase64 string `json:"product_image_base64,omitempty"`
	TargetDuration     int    `json:"target_duration,omitempty"`
	AspectRatio        string `json:"aspect_ratio,omitempty"`
	Voice              string `json:"voice,omitempty"`
	Style              string `json:"style,omitempty"`
	SceneCount         int    `json:"scene_count,omitempty"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 处理 POST /v1/jobs（提交广告生成任务）
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req SubmitJobRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	tenantID := h.tenantID(r)

	job, err := h.runner.Submit(r.Context(), tenantID, pipeline.Brief{
		ProductName:        req.ProductName,
		Description:        req.Description,
		ProductImageBase64: req.ProductImageBase64,
		TargetDuration:     req.TargetDuration,
		AspectRatio:        req.AspectRatio,
		Voice:              req.Voice,
		Style:              req.Style,
		SceneCount:         req.SceneCount,
	})
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	h.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", tenantID),
		zap.String("product", job.Brief.ProductName),
	)

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      job,
		Timestamp: job.CreatedAt,
	})
}

// HandleGet 处理 GET /v1/jobs/{id}（查询任务详情）
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, gen.ErrInvalidRequest, "job id is required", h.logger)
		return
	}

	job, err := h.runner.Get(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	WriteSuccess(w, job)
}

// HandleList 处理 GET /v1/jobs（按状态/租户过滤任务列表）
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := pipeline.JobFilter{
		TenantID:  q.Get("tenant_id"),
		OrderDesc: true,
	}
	// status 支持逗号分隔的多值过滤，如 ?status=pending,analyzing
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Status = append(filter.Status, pipeline.JobStatus(part))
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, gen.ErrInvalidRequest, "invalid limit", h.logger)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, gen.ErrInvalidRequest, "invalid offset", h.logger)
			return
		}
		filter.Offset = n
	}
	if filter.Limit == 0 || filter.Limit > 100 {
		filter.Limit = 100
	}

	jobs, err := h.runner.List(r.Context(), filter)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleCancel 处理 POST /v1/jobs/{id}/cancel（取消任务）
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, gen.ErrInvalidRequest, "job id is required", h.logger)
		return
	}

	if err := h.runner.Cancel(r.Context(), jobID); err != nil {
		h.writeJobError(w, err)
		return
	}

	h.logger.Info("job cancelled", zap.String("job_id", jobID))

	WriteSuccess(w, map[string]string{
		"job_id": jobID,
		"status": string(pipeline.StatusCancelled),
	})
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// tenantID 从请求上下文或 Header 解析租户
func (h *JobsHandler) tenantID(r *http.Request) string {
	if id, ok := ctxkeys.TenantID(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Tenant-ID")
}

// writeJobError 归一化任务相关错误
func (h *JobsHandler) writeJobError(w http.ResponseWriter, err error) {
	var genErr *gen.Error
	if errors.As(err, &genErr) {
		WriteError(w, genErr, h.logger)
		return
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, gen.ErrJobNotFound, "job not found", h.logger)
		return
	}
	h.logger.Error("job operation failed", zap.Error(err))
	WriteErrorMessage(w, http.StatusInternalServerError, gen.ErrInternal, "internal error", h.logger)
}
