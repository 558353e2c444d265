package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
)

// =============================================================================
// 🧪 响应辅助函数
// =============================================================================

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	err := gen.NewError(gen.ErrUpstreamError, "bad gateway").WithHTTPStatus(http.StatusBadGateway)
	WriteError(rec, err, zap.NewNop())

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeResponse(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, string(gen.ErrUpstreamError), resp.Error.Code)
	assert.Equal(t, "bad gateway", resp.Error.Message)
}

func TestWriteError_MappedStatus(t *testing.T) {
	tests := []struct {
		code gen.ErrorCode
		want int
	}{
		{gen.ErrInvalidRequest, http.StatusBadRequest},
		{gen.ErrUnauthorized, http.StatusUnauthorized},
		{gen.ErrForbidden, http.StatusForbidden},
		{gen.ErrJobNotFound, http.StatusNotFound},
		{gen.ErrJobNotCancellable, http.StatusConflict},
		{gen.ErrRateLimited, http.StatusTooManyRequests},
		{gen.ErrBudgetExceeded, http.StatusPaymentRequired},
		{gen.ErrContentFiltered, http.StatusUnprocessableEntity},
		{gen.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{gen.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{gen.ErrUpstreamError, http.StatusBadGateway},
		{gen.ErrInternal, http.StatusInternalServerError},
		{gen.ErrorCode("UNKNOWN"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, gen.NewError(tt.code, "msg"), nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// =============================================================================
// 🧪 请求体解码
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("合法请求体", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
		rec := httptest.NewRecorder()

		var p payload
		err := DecodeJSONBody(rec, req, &p, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "ok", p.Name)
	})

	t.Run("非法 JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{name`))
		rec := httptest.NewRecorder()

		var p payload
		err := DecodeJSONBody(rec, req, &p, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未知字段", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
		rec := httptest.NewRecorder()

		var p payload
		err := DecodeJSONBody(rec, req, &p, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("尾随内容", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"} {"name":"y"}`))
		rec := httptest.NewRecorder()

		var p payload
		err := DecodeJSONBody(rec, req, &p, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	t.Run("application/json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Content-Type", "application/json")
		assert.True(t, ValidateContentType(httptest.NewRecorder(), req, nil))
	})

	t.Run("带 charset", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		assert.True(t, ValidateContentType(httptest.NewRecorder(), req, nil))
	})

	t.Run("错误类型", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Content-Type", "text/xml")
		rec := httptest.NewRecorder()
		assert.False(t, ValidateContentType(rec, req, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// 🧪 ResponseWriter 包装器
// =============================================================================

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.True(t, rw.Written)

	// 第二次 WriteHeader 不生效
	rw.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
}

func TestResponseWriter_WriteDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.Equal(t, "body", rec.Body.String())
}

// Unwrap 让 http.ResponseController 与 WebSocket 升级
// 能穿透包装器访问底层 writer 的可选接口。
func TestResponseWriter_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	assert.Same(t, rec, rw.Unwrap().(*httptest.ResponseRecorder))
}
