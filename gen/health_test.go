package gen

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen/costs"
)

type fakeStats struct {
	stats map[string]costs.ProviderStats
	err   error
}

func (f *fakeStats) RecentStats(provider string, window time.Duration) (costs.ProviderStats, error) {
	if f.err != nil {
		return costs.ProviderStats{}, f.err
	}
	return f.stats[provider], nil
}

func TestHealthMonitor_DefaultHealthy(t *testing.T) {
	m := NewHealthMonitor([]string{"imagen"}, nil, zap.NewNop())
	defer m.Stop()

	assert.InDelta(t, 1.0, m.GetHealthScore("imagen"), 1e-9)
	assert.InDelta(t, 1.0, m.GetHealthScore("unknown"), 1e-9, "未注册 Provider 默认健康")
}

func TestHealthMonitor_ProbeFailure(t *testing.T) {
	m := NewHealthMonitor([]string{"veo"}, nil, zap.NewNop())
	defer m.Stop()

	m.UpdateProbe("veo", nil, errors.New("connection refused"))
	assert.Zero(t, m.GetHealthScore("veo"), "探活失败应返回 0")

	m.UpdateProbe("veo", &HealthStatus{Healthy: true, Latency: 50 * time.Millisecond}, nil)
	assert.InDelta(t, 1.0, m.GetHealthScore("veo"), 1e-9, "探活恢复后应恢复健康")
}

func TestHealthMonitor_QPSGating(t *testing.T) {
	m := NewHealthMonitor([]string{"tts"}, nil, zap.NewNop())
	defer m.Stop()

	m.SetMaxQPS("tts", 3)
	for i := 0; i < 3; i++ {
		m.IncrementQPS("tts")
	}

	assert.Equal(t, 3, m.GetCurrentQPS("tts"))
	assert.Zero(t, m.GetHealthScore("tts"), "QPS 达到上限应返回 0")

	m.SetMaxQPS("tts", 0)
	assert.InDelta(t, 1.0, m.GetHealthScore("tts"), 1e-9, "取消限制后恢复")
}

func TestHealthMonitor_ScoreFromStats(t *testing.T) {
	tests := []struct {
		name  string
		stats costs.ProviderStats
		want  float64
	}{
		{"no data", costs.ProviderStats{}, 1.0},
		{"clean", costs.ProviderStats{TotalCalls: 100, FailedCalls: 0, AvgLatency: 500}, 1.0},
		{"low error rate", costs.ProviderStats{TotalCalls: 100, FailedCalls: 3, AvgLatency: 500}, 0.8},
		{"medium error rate", costs.ProviderStats{TotalCalls: 100, FailedCalls: 8, AvgLatency: 500}, 0.5},
		{"high error rate", costs.ProviderStats{TotalCalls: 100, FailedCalls: 20, AvgLatency: 500}, 0.2},
		{"slow provider", costs.ProviderStats{TotalCalls: 100, FailedCalls: 0, AvgLatency: 12000}, 0.8},
		{"very slow provider", costs.ProviderStats{TotalCalls: 100, FailedCalls: 0, AvgLatency: 40000}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeStats{stats: map[string]costs.ProviderStats{"p": tt.stats}}
			m := NewHealthMonitor([]string{"p"}, src, zap.NewNop())
			defer m.Stop()

			require.NoError(t, m.ForceHealthCheck("p"))
			assert.InDelta(t, tt.want, m.GetHealthScore("p"), 1e-9)
		})
	}
}

func TestHealthMonitor_StatsErrorDefaultsHealthy(t *testing.T) {
	src := &fakeStats{err: errors.New("db unavailable")}
	m := NewHealthMonitor([]string{"p"}, src, zap.NewNop())
	defer m.Stop()

	require.NoError(t, m.ForceHealthCheck("p"))
	assert.InDelta(t, 1.0, m.GetHealthScore("p"), 1e-9, "统计查询失败不应误判为不健康")
}

func TestHealthMonitor_ForceHealthCheck_Unknown(t *testing.T) {
	m := NewHealthMonitor([]string{"p"}, nil, zap.NewNop())
	defer m.Stop()

	assert.Error(t, m.ForceHealthCheck("nope"))
}

func TestHealthMonitor_GetAllProviderStats(t *testing.T) {
	m := NewHealthMonitor([]string{"a", "b"}, nil, zap.NewNop())
	defer m.Stop()

	m.UpdateProbe("a", &HealthStatus{Healthy: true, Latency: 80 * time.Millisecond, ErrorRate: 0.01}, nil)
	m.IncrementQPS("a")

	all := m.GetAllProviderStats()
	require.Len(t, all, 2)

	byName := make(map[string]ProviderHealthStats)
	for _, s := range all {
		byName[s.Provider] = s
	}
	assert.Equal(t, 1, byName["a"].CurrentQPS)
	assert.Equal(t, 80*time.Millisecond, byName["a"].Latency)
	assert.Zero(t, byName["b"].CurrentQPS)
}
