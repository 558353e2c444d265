package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 服务器生命周期测试
// =============================================================================

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	cfg := DefaultConfig()
	cfg.Addr = ":0" // 随机端口，避免与其他测试冲突
	return NewManager(handler, cfg, zap.NewNop())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr, "默认监听地址")
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestManager_ServesRequests(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))

	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	addr := m.BoundAddr()
	require.NotEmpty(t, addr, "启动后应能查询实际绑定地址")

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestManager_Lifecycle(t *testing.T) {
	t.Run("重复启动报错", func(t *testing.T) {
		m := newTestManager(t, nil)
		require.NoError(t, m.Start())
		t.Cleanup(func() { m.Shutdown(context.Background()) })

		err := m.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already started")
	})

	t.Run("关闭幂等", func(t *testing.T) {
		m := newTestManager(t, nil)
		require.NoError(t, m.Start())

		require.NoError(t, m.Shutdown(context.Background()))
		assert.NoError(t, m.Shutdown(context.Background()), "第二次关闭应为空操作")
	})

	t.Run("关闭后不可重启", func(t *testing.T) {
		m := newTestManager(t, nil)
		require.NoError(t, m.Start())
		require.NoError(t, m.Shutdown(context.Background()))

		err := m.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})

	t.Run("运行状态跟随生命周期", func(t *testing.T) {
		m := newTestManager(t, nil)
		assert.True(t, m.IsRunning())

		require.NoError(t, m.Start())
		assert.True(t, m.IsRunning())

		require.NoError(t, m.Shutdown(context.Background()))
		assert.False(t, m.IsRunning())
	})
}

func TestManager_BaseContextCancelledOnShutdown(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Start())

	ctx := m.BaseContext()
	select {
	case <-ctx.Done():
		t.Fatal("运行期间根上下文不应取消")
	default:
	}

	require.NoError(t, m.Shutdown(context.Background()))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("关闭后根上下文应被取消")
	}
}

func TestManager_ErrorsChannel(t *testing.T) {
	m := newTestManager(t, nil)

	ch := m.Errors()
	require.NotNil(t, ch)
	select {
	case err := <-ch:
		t.Fatalf("未启动时不应有错误: %v", err)
	default:
	}
}

func TestManager_Addr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":9999"
	m := NewManager(http.NewServeMux(), cfg, zap.NewNop())

	assert.Equal(t, ":9999", m.Addr(), "Addr 返回配置地址")
	assert.Empty(t, m.BoundAddr(), "未启动时 BoundAddr 为空")
}
