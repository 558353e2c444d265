package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/adstudio/gen"
)

func TestClient_Analyze(t *testing.T) {
	var gotPath string
	var gotBody analyzeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": "A stainless steel water bottle, "},
					{"text": "target audience: hikers."},
				}}},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 120, "candidatesTokenCount": 45},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	resp, err := c.Analyze(context.Background(), &AnalyzeRequest{
		Prompt:      "Analyze this product photo",
		ImageBase64: "aGVsbG8=",
	})

	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "A stainless steel water bottle, target audience: hikers.", resp.Content)
	assert.Equal(t, 165, resp.TokensUsed)

	require.Len(t, gotBody.Contents, 1)
	require.Len(t, gotBody.Contents[0].Parts, 2)
	assert.Equal(t, "aGVsbG8=", gotBody.Contents[0].Parts[1].InlineData.Data)
	assert.Equal(t, "image/png", gotBody.Contents[0].Parts[1].InlineData.MimeType)
}

func TestClient_Analyze_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	_, err := c.Analyze(context.Background(), &AnalyzeRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrUpstreamError, gen.GetErrorCode(err))
	assert.True(t, gen.IsRetryable(err))
}

func TestClient_Analyze_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	_, err := c.Analyze(context.Background(), &AnalyzeRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrContentFiltered, gen.GetErrorCode(err))
}

func TestClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	st, err := c.HealthCheck(context.Background())

	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.Greater(t, st.Latency.Nanoseconds(), int64(0))
}
