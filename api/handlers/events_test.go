package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/pipeline"
)

func newEventsServer(t *testing.T) (*httptest.Server, *pipeline.Runner) {
	t.Helper()
	runner := newTestRunner(t)
	h := NewEventsHandler(runner, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}/events", h.HandleJobEvents)
	mux.HandleFunc("GET /v1/events", h.HandleAllEvents)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, runner
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// =============================================================================
// 🧪 任务事件流
// =============================================================================

func TestEventsHandler_SnapshotThenCancel(t *testing.T) {
	srv, runner := newEventsServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := runner.Submit(ctx, "", pipeline.Brief{ProductName: "Aurora Lamp"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/jobs/"+job.ID+"/events"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 首帧为当前状态快照
	var snapshot pipeline.JobEvent
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, job.ID, snapshot.JobID)
	assert.Equal(t, pipeline.StatusPending, snapshot.Status)

	// 取消任务后应收到 cancelled 事件
	require.NoError(t, runner.Cancel(ctx, job.ID))

	var event pipeline.JobEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, pipeline.EventCancelled, event.Type)
	assert.Equal(t, pipeline.StatusCancelled, event.Status)

	// 终态后服务端正常关闭连接
	err = wsjson.Read(ctx, conn, &event)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestEventsHandler_TerminalJobClosesImmediately(t *testing.T) {
	srv, runner := newEventsServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := runner.Submit(ctx, "", pipeline.Brief{ProductName: "Aurora Lamp"})
	require.NoError(t, err)
	require.NoError(t, runner.Cancel(ctx, job.ID))

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/jobs/"+job.ID+"/events"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 终态任务只收到快照，然后连接关闭
	var snapshot pipeline.JobEvent
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, pipeline.StatusCancelled, snapshot.Status)

	err = wsjson.Read(ctx, conn, &snapshot)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

// 握手与订阅之间发生的终态转换不能丢：
// 快照在订阅之后读取，转换要么进快照、要么进事件流。
func TestEventsHandler_CancelDuringConnectStillObserved(t *testing.T) {
	srv, runner := newEventsServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := runner.Submit(ctx, "", pipeline.Brief{ProductName: "Aurora Lamp"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/jobs/"+job.ID+"/events"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 升级完成后立刻取消，与服务端的订阅/快照竞争
	require.NoError(t, runner.Cancel(ctx, job.ID))

	sawCancelled := false
	for {
		var ev pipeline.JobEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		if ev.Status == pipeline.StatusCancelled {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled, "终态必须出现在快照或事件流中")
}

func TestEventsHandler_UnknownJob(t *testing.T) {
	srv, _ := newEventsServer(t)

	resp, err := http.Get(srv.URL + "/v1/jobs/no-such-job/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_AllEvents(t *testing.T) {
	srv, runner := newEventsServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/events"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 等待服务端完成订阅注册
	time.Sleep(50 * time.Millisecond)

	job, err := runner.Submit(ctx, "", pipeline.Brief{ProductName: "Aurora Lamp"})
	require.NoError(t, err)

	var event pipeline.JobEvent
	require.NoError(t, wsjson.Read(ctx, conn, &event))
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, pipeline.EventStatusChanged, event.Type)
}
