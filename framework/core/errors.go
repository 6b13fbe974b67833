// Package core предоставляет систему ошибок фреймворка.
package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок фреймворка
const (
	ErrNotFound              = "NOT_FOUND"
	ErrInvalidConfig         = "INVALID_CONFIG"
	ErrValidation            = "VALIDATION_ERROR"
	ErrConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	ErrNoCodecFound          = "NO_CODEC_FOUND"
	ErrHandlerTimeout        = "HANDLER_TIMEOUT"
	ErrHandlerFailed         = "HANDLER_ERROR"
	ErrReplayInProgress      = "REPLAY_ALREADY_IN_PROGRESS"
	ErrStorageFailure        = "STORAGE_FAILURE"
	ErrStreamLimitExceeded   = "STREAM_LIMIT_EXCEEDED"
	ErrSerializationFailed   = "SERIALIZATION_FAILED"
	ErrComponentShuttingDown = "SHUTTING_DOWN"
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

// Is сравнивает ошибки по коду, поэтому любая ошибка с тем же кодом
// совпадает с сентинелом пакета.
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к ошибке
func (e *FrameworkError) WithContext(context string) *FrameworkError {
	return &FrameworkError{
		Code:       e.Code,
		Message:    fmt.Sprintf("%s: %s", context, e.Message),
		Cause:      e.Cause,
		StackTrace: e.StackTrace,
	}
}

// NewError создает новую ошибку фреймворка
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Errorf создает ошибку с форматированным сообщением
func Errorf(code, format string, args ...interface{}) *FrameworkError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Sentinel создает ошибку-сентинел без stack trace. Используется для
// package-level переменных, с которыми сравнивают через errors.Is.
func Sentinel(code, message string) *FrameworkError {
	return &FrameworkError{Code: code, Message: message}
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

// HasCode проверяет, есть ли в цепочке ошибок FrameworkError с указанным кодом
func HasCode(err error, code string) bool {
	var fe *FrameworkError
	for err != nil {
		if errors.As(err, &fe) {
			if fe.Code == code {
				return true
			}
			err = fe.Cause
			continue
		}
		return false
	}
	return false
}

// CodeOf возвращает код первой FrameworkError в цепочке или пустую строку
func CodeOf(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// первые строки относятся к самому captureStackTrace
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
