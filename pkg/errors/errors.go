// Package errors 定义统一错误码
package errors

import (
	"errors"
	"fmt"
)

// Code 错误码
type Code string

// 错误码定义
const (
	CodeOK      Code = "OK"
	CodeUnknown Code = "UNKNOWN"

	// 步骤执行 (1xxx)
	CodeTransient   Code = "TRANSIENT"
	CodePermanent   Code = "PERMANENT"
	CodeTimeout     Code = "TIMEOUT"
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// 编排 (2xxx)
	CodeInvalidSagaDefinition Code = "INVALID_SAGA_DEFINITION"
	CodeInvalidState          Code = "INVALID_STATE"
	CodeSagaNotFound          Code = "SAGA_NOT_FOUND"
	CodeCompensationFailed    Code = "COMPENSATION_FAILED"
	CodeConcurrencyConflict   Code = "CONCURRENCY_CONFLICT"

	// 幂等 (3xxx)
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeDuplicateInProgress Code = "DUPLICATE_IN_PROGRESS"

	// 外部依赖 (9xxx)
	CodeBusUnavailable   Code = "BUS_UNAVAILABLE"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// CodeOf 提取错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable 判断是否可重试。未分类错误按可重试处理，
// 交由重试层在预算内兜底。
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsPermanent 判断是否永久失败
func IsPermanent(err error) bool {
	return !IsRetryable(err)
}

// AsPermanent 重试预算耗尽后重新归类为永久失败
func AsPermanent(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeTransient {
		return Wrap(CodePermanent, "retry budget exhausted", err)
	}
	return Wrap(CodePermanent, "permanent failure", err)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTransient, CodeTimeout, CodeBusUnavailable,
		CodeStoreUnavailable, CodeConcurrencyConflict:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	ErrInvalidSagaDefinition = New(CodeInvalidSagaDefinition, "saga definition has no steps")
	ErrSagaNotFound          = New(CodeSagaNotFound, "saga not found")
	ErrInvalidState          = New(CodeInvalidState, "invalid saga state for operation")
	ErrCircuitOpen           = New(CodeCircuitOpen, "circuit breaker is open")
	ErrDuplicateInProgress   = New(CodeDuplicateInProgress, "request with same idempotency key in progress")
	ErrConcurrencyConflict   = New(CodeConcurrencyConflict, "optimistic lock conflict")
)
