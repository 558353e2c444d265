package image

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

func TestImagenProvider_Generate(t *testing.T) {
	var gotBody imagenRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/imagen-3.0-generate-002:predict", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]any{
				{"bytesBase64Encoded": "aW1nMQ==", "mimeType": "image/png"},
				{"bytesBase64Encoded": "aW1nMg=="},
			},
		})
	}))
	defer srv.Close()

	p := NewImagenProvider(ImagenConfig{APIKey: "secret", BaseURL: srv.URL})
	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Prompt:      "a red car on a coastal road",
		N:           2,
		AspectRatio: "16:9",
	})

	require.NoError(t, err)
	assert.Equal(t, "imagen", resp.Provider)
	require.Len(t, resp.Images, 2)
	assert.Equal(t, "aW1nMQ==", resp.Images[0].B64JSON)
	assert.Equal(t, "image/png", resp.Images[1].MimeType, "missing mime type defaults to png")
	assert.Equal(t, 2, resp.Usage.ImagesGenerated)

	require.Len(t, gotBody.Instances, 1)
	assert.Equal(t, "a red car on a coastal road", gotBody.Instances[0].Prompt)
	assert.Equal(t, 2, gotBody.Parameters.SampleCount)
	assert.Equal(t, "16:9", gotBody.Parameters.AspectRatio)
}

func TestImagenProvider_Generate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewImagenProvider(ImagenConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrRateLimited, gen.GetErrorCode(err))
	assert.True(t, gen.IsRetryable(err))
}

func TestImagenProvider_Generate_NoPredictions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"predictions": []any{}})
	}))
	defer srv.Close()

	p := NewImagenProvider(ImagenConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "p"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrContentFiltered, gen.GetErrorCode(err))
}
