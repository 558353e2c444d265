package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
	"github.com/BaSui01/adstudio/pipeline"
)

// =============================================================================
// 📡 任务事件 WebSocket Handler
// =============================================================================

// EventsHandler 通过 WebSocket 推送任务进度事件
type EventsHandler struct {
	runner *pipeline.Runner
	logger *zap.Logger
}

// NewEventsHandler 创建事件处理器
func NewEventsHandler(runner *pipeline.Runner, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleJobEvents 处理 GET /v1/jobs/{id}/events。
// 升级为 WebSocket 后持续推送该任务的事件，任务进入终态后正常关闭。
func (h *EventsHandler) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, gen.ErrInvalidRequest, "job id is required", h.logger)
		return
	}

	// 先确认任务存在，再升级连接
	if _, err := h.runner.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, gen.ErrJobNotFound, "job not found", h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, gen.ErrInternal, "internal error", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	// 订阅在前，快照在后：快照于订阅之后读取，
	// 订阅前发生的终态转换会体现在快照里，订阅后的会出现在事件流里
	events, unsubscribe := h.runner.Subscribe()
	defer unsubscribe()

	job, err := h.runner.Get(ctx, jobID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "job lookup failed")
		return
	}

	// 首帧推送当前状态快照
	snapshot := pipeline.JobEvent{
		JobID:     job.ID,
		Type:      pipeline.EventStatusChanged,
		Status:    job.Status,
		Progress:  job.Progress,
		Timestamp: time.Now(),
	}
	if err := wsjson.Write(ctx, conn, snapshot); err != nil {
		return
	}
	if job.Status.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client disconnected")
			return

		case event, ok := <-events:
			if !ok {
				// Runner 停机
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if event.JobID != jobID {
				continue
			}

			if err := wsjson.Write(ctx, conn, event); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("job_id", jobID), zap.Error(err))
				return
			}

			if event.Status.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

// HandleAllEvents 处理 GET /v1/events。
// 推送全部任务事件，适合后台看板订阅。
func (h *EventsHandler) HandleAllEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	events, unsubscribe := h.runner.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client disconnected")
			return

		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
