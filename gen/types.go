package gen

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 统一的生成服务错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "GEN_INVALID_REQUEST"      // 参数/格式错误
	ErrUnauthorized        ErrorCode = "GEN_UNAUTHORIZED"         // 未授权或密钥失效
	ErrForbidden           ErrorCode = "GEN_FORBIDDEN"            // 权限或内容策略拒绝
	ErrRateLimited         ErrorCode = "GEN_RATE_LIMITED"         // 上游或本地限流
	ErrBudgetExceeded      ErrorCode = "GEN_BUDGET_EXCEEDED"      // 预算/配额用尽
	ErrContentFiltered     ErrorCode = "GEN_CONTENT_FILTERED"     // 命中内容安全
	ErrJobNotFound         ErrorCode = "GEN_JOB_NOT_FOUND"        // 任务不存在
	ErrJobNotCancellable   ErrorCode = "GEN_JOB_NOT_CANCELLABLE"  // 任务已终态，无法取消
	ErrProviderOverloaded  ErrorCode = "GEN_PROVIDER_OVERLOADED"  // 模型过载/熔断
	ErrUpstreamTimeout     ErrorCode = "GEN_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "GEN_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrProviderUnavailable ErrorCode = "GEN_PROVIDER_UNAVAILABLE" // Provider 不可用
	ErrInternal            ErrorCode = "GEN_INTERNAL"             // 内部错误
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error carries a retryable *Error.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// HTTPStatus 返回错误码对应的 HTTP 响应状态码。
// 未识别的错误码一律按内部错误处理。
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrInvalidRequest:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrForbidden:
		return 403
	case ErrJobNotFound:
		return 404
	case ErrJobNotCancellable:
		return 409
	case ErrRateLimited:
		return 429
	case ErrBudgetExceeded:
		return 402
	case ErrContentFiltered:
		return 422
	case ErrUpstreamTimeout:
		return 504
	case ErrProviderOverloaded, ErrProviderUnavailable:
		return 503
	case ErrUpstreamError:
		return 502
	default:
		return 500
	}
}

// isCallerFault 判断错误是否由请求方造成。
// 这类错误重试无意义，也不应计入 Provider 的熔断失败。
func isCallerFault(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrInvalidRequest, ErrUnauthorized, ErrForbidden,
		ErrBudgetExceeded, ErrContentFiltered:
		return true
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// MapHTTPStatus 根据上游 HTTP 状态码归一化为统一错误。
// 4xx（除 408/429）不可重试，408/429/5xx 可重试。
func MapHTTPStatus(provider string, status int, body string) *Error {
	var code ErrorCode
	retryable := false
	switch {
	case status == 400:
		code = ErrInvalidRequest
	case status == 401:
		code = ErrUnauthorized
	case status == 403:
		code = ErrForbidden
	case status == 408:
		code = ErrUpstreamTimeout
		retryable = true
	case status == 422:
		code = ErrContentFiltered
	case status == 429:
		code = ErrRateLimited
		retryable = true
	case status >= 500:
		code = ErrUpstreamError
		retryable = true
	default:
		code = ErrUpstreamError
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf("upstream status %d: %s", status, body),
		HTTPStatus: status,
		Retryable:  retryable,
		Provider:   provider,
	}
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	ErrorRate float64       `json:"error_rate"`
}

// Usage 表示一次生成调用的计量信息。
// Units 的含义依模态而定：图片张数、视频/音频秒数、分析请求数。
type Usage struct {
	Units    float64 `json:"units"`
	Cost     float64 `json:"cost"` // 以 USD 计
	Model    string  `json:"model,omitempty"`
	Provider string  `json:"provider,omitempty"`
}

// HealthChecker 由支持轻量探活的 Provider 实现（用于路由探活/降级）。
type HealthChecker interface {
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
