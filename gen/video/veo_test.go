package video

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/adstudio/gen"
)

func testVeo(t *testing.T, handler http.HandlerFunc) *VeoProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewVeoProvider(VeoConfig{
		APIKey:       "k",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestVeoProvider_Generate_PollsUntilDone(t *testing.T) {
	var polls atomic.Int32

	p := testVeo(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":generateVideos") {
			var body veoRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a 8s product commercial", body.Instances[0].Prompt)
			assert.Equal(t, 8, body.Parameters.DurationSeconds)

			json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-123"})
			return
		}

		// operation polling
		assert.Equal(t, "/v1beta/operations/op-123", r.URL.Path)
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]any{"done": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"done": true,
			"response": map[string]any{
				"predictions": []map[string]any{{"video": "dmlkZW8="}},
			},
		})
	})

	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Prompt: "a 8s product commercial",
	})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
	require.Len(t, resp.Videos, 1)
	assert.Equal(t, "dmlkZW8=", resp.Videos[0].B64JSON)
	assert.InDelta(t, 8.0, resp.Usage.DurationSeconds, 1e-9)
}

func TestVeoProvider_Generate_OperationError(t *testing.T) {
	p := testVeo(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":generateVideos") {
			json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-err"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"done":  true,
			"error": map[string]any{"message": "safety rejection"},
		})
	})

	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrUpstreamError, gen.GetErrorCode(err))
	assert.Contains(t, err.Error(), "safety rejection")
}

func TestVeoProvider_Generate_ContextCancelledDuringPoll(t *testing.T) {
	p := testVeo(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":generateVideos") {
			json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-slow"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"done": false})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrUpstreamTimeout, gen.GetErrorCode(err))
}

func TestVeoProvider_Generate_PollErrorStatusAborts(t *testing.T) {
	var polls atomic.Int32

	p := testVeo(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, ":generateVideos") {
			json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-gone"})
			return
		}
		// 持续性错误状态不应无限轮询
		polls.Add(1)
		http.Error(w, "operation not found", http.StatusNotFound)
	})

	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrUpstreamError, gen.GetErrorCode(err))
	assert.Contains(t, err.Error(), "operation not found")
	assert.Equal(t, int32(1), polls.Load(), "错误状态应立即终止轮询")
}

func TestVeoProvider_Generate_StartRejected(t *testing.T) {
	p := testVeo(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid duration", http.StatusBadRequest)
	})

	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrInvalidRequest, gen.GetErrorCode(err))
	assert.False(t, gen.IsRetryable(err))
}
