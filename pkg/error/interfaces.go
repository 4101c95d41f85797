package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// ErrCacheMiss 表示缓存中不存在请求的条目。
	ErrCacheMiss ErrorCode = "CACHE_MISS"
	// ErrFetchFailed 表示远端数据获取失败（网络错误或重试耗尽）。
	ErrFetchFailed ErrorCode = "FETCH_FAILED"
	// ErrHTTPStatus 表示后端返回了非 2xx 状态码。
	ErrHTTPStatus ErrorCode = "HTTP_STATUS"
	// ErrDecodeFailed 表示响应体无法解码。
	ErrDecodeFailed ErrorCode = "DECODE_FAILED"
	// ErrCircuitOpen 表示熔断器处于打开状态，请求被拒绝。
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrConfigInvalid 表示配置无效。
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	// ErrRemoteCache 表示远程缓存（Redis）操作失败。
	ErrRemoteCache ErrorCode = "REMOTE_CACHE"
	// ErrInvalidArgument 表示调用参数非法。
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 支持按错误代码比较
func (e *BaseError) Is(target error) bool {
	var t *BaseError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// CodeOf 返回错误链中第一个 BaseError 的代码，不存在时返回空字符串。
func CodeOf(err error) ErrorCode {
	var be *BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// HasCode 判断错误链中是否包含指定代码的 BaseError，会沿 Cause 继续查找。
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var be *BaseError
		if !errors.As(err, &be) {
			return false
		}
		if be.Code == code {
			return true
		}
		err = be.Cause
	}
	return false
}
