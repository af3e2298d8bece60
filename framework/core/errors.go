// Package core предоставляет систему ошибок фреймворка.
package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок фреймворка
const (
	ErrNotFound            = "NOT_FOUND"
	ErrAlreadyExists       = "ALREADY_EXISTS"
	ErrInvalidConfig       = "INVALID_CONFIG"
	ErrConcurrencyConflict = "CONCURRENCY_CONFLICT"

	// ErrTransientInfra хранилище или брокер временно недоступны, сообщение повторяется
	ErrTransientInfra = "TRANSIENT_INFRA"
	// ErrMalformedEvent payload не прошел валидацию схемы, сообщение уходит в DLQ сразу
	ErrMalformedEvent = "MALFORMED_EVENT"
	// ErrBusinessInvariant нарушение инварианта агрегата, сообщение уходит в DLQ
	ErrBusinessInvariant = "BUSINESS_INVARIANT"
)

// FrameworkError базовый тип ошибки фреймворка
type FrameworkError struct {
	Code       string
	Message    string
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку фреймворка
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *FrameworkError {
	if err == nil {
		return nil
	}
	return &FrameworkError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// Transient оборачивает ошибку инфраструктуры как временную
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, ErrTransientInfra, message)
}

// Malformed создает ошибку невалидного события
func Malformed(format string, args ...any) error {
	return NewError(ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Invariant создает ошибку нарушения бизнес-инварианта
func Invariant(format string, args ...any) error {
	return NewError(ErrBusinessInvariant, fmt.Sprintf(format, args...))
}

// CodeOf возвращает код первой FrameworkError в цепочке или пустую строку
func CodeOf(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode проверяет, есть ли в цепочке ошибка с указанным кодом
func HasCode(err error, code string) bool {
	return err != nil && errors.Is(err, &FrameworkError{Code: code})
}

// IsRetriable решает, имеет ли смысл повторять обработку после ошибки.
// Неклассифицированные ошибки и таймауты считаются временными.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case ErrMalformedEvent, ErrBusinessInvariant:
		return false
	default:
		return true
	}
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// первые строки относятся к самой captureStackTrace
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
