package speech

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

func TestTTSProvider_Synthesize(t *testing.T) {
	var gotBody ttsRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte("binary-audio"))
	}))
	defer srv.Close()

	p := NewTTSProvider(TTSConfig{APIKey: "secret", BaseURL: srv.URL})
	resp, err := p.Synthesize(context.Background(), &TTSRequest{
		Text:  "Meet the bottle that keeps up with you.",
		Voice: "nova",
		Speed: 1.1,
	})

	require.NoError(t, err)
	assert.Equal(t, []byte("binary-audio"), resp.Audio)
	assert.Equal(t, "mp3", resp.Format)
	assert.Equal(t, len("Meet the bottle that keeps up with you."), resp.CharCount)

	assert.Equal(t, "tts-1-hd", gotBody.Model)
	assert.Equal(t, "nova", gotBody.Voice)
	assert.InDelta(t, 1.1, gotBody.Speed, 1e-9)
}

func TestTTSProvider_Synthesize_EmptyText(t *testing.T) {
	p := NewTTSProvider(TTSConfig{APIKey: "k"})

	_, err := p.Synthesize(context.Background(), &TTSRequest{})

	require.Error(t, err)
	assert.Equal(t, gen.ErrInvalidRequest, gen.GetErrorCode(err))
}

func TestTTSProvider_Synthesize_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewTTSProvider(TTSConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.Synthesize(context.Background(), &TTSRequest{Text: "hi"})

	require.Error(t, err)
	assert.Equal(t, gen.ErrUnauthorized, gen.GetErrorCode(err))
	assert.False(t, gen.IsRetryable(err))
}

func TestTTSProvider_ListVoices(t *testing.T) {
	p := NewTTSProvider(TTSConfig{APIKey: "k"})

	voices, err := p.ListVoices(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, voices)
}
