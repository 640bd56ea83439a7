package nvme

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-nvme/internal/ctrl"
	"github.com/ehrlich-b/go-nvme/internal/doorbell"
	"github.com/ehrlich-b/go-nvme/internal/queue"
	"github.com/ehrlich-b/go-nvme/internal/uring"
)

// Error represents a structured controller error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "WRITE_BAR0", "CREATE_QUEUE")
	Queue int           // Queue pair id (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "nvme: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code, so the sentinel errors below work with
// errors.Is
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInvalidRegister    ErrorCode = "invalid register access"
	ErrCodeInvalidAccessSize  ErrorCode = "invalid register access size"
	ErrCodeUnhandledRegister  ErrorCode = "register not handled"
	ErrCodeQueueExists        ErrorCode = "queue pair exists"
	ErrCodeQueueNotFound      ErrorCode = "queue pair not found"
	ErrCodeGuestError         ErrorCode = "guest error"
	ErrCodeControllerFatal    ErrorCode = "controller fatal"
	ErrCodeClosed             ErrorCode = "controller closed"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeNotSupported       ErrorCode = "not supported"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// Sentinel errors, matched by code
var (
	ErrInvalidParameters = &Error{Queue: -1, Code: ErrCodeInvalidParameters}
	ErrInvalidRegister   = &Error{Queue: -1, Code: ErrCodeInvalidRegister}
	ErrInvalidAccessSize = &Error{Queue: -1, Code: ErrCodeInvalidAccessSize}
	ErrUnhandledRegister = &Error{Queue: -1, Code: ErrCodeUnhandledRegister}
	ErrQueueExists       = &Error{Queue: -1, Code: ErrCodeQueueExists}
	ErrQueueNotFound     = &Error{Queue: -1, Code: ErrCodeQueueNotFound}
	ErrGuestError        = &Error{Queue: -1, Code: ErrCodeGuestError}
	ErrControllerFatal   = &Error{Queue: -1, Code: ErrCodeControllerFatal}
	ErrClosed            = &Error{Queue: -1, Code: ErrCodeClosed}
	ErrNotSupported      = &Error{Queue: -1, Code: ErrCodeNotSupported}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with controller context
func WrapError(op string, inner error) *Error {
	return wrapQueueError(op, -1, inner)
}

func wrapQueueError(op string, queue int, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ne *Error
	if errors.As(inner, &ne) {
		q := ne.Queue
		if q < 0 {
			q = queue
		}
		return &Error{
			Op:    op,
			Queue: q,
			Code:  ne.Code,
			Errno: ne.Errno,
			Msg:   ne.Msg,
			Inner: ne.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: queue,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: queue,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrorToCode maps internal sentinel errors to error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ctrl.ErrInvalidRegister):
		return ErrCodeInvalidRegister
	case errors.Is(err, ctrl.ErrInvalidAccessSize):
		return ErrCodeInvalidAccessSize
	case errors.Is(err, ctrl.ErrUnhandledRegister):
		return ErrCodeUnhandledRegister
	case errors.Is(err, ctrl.ErrQueueExists), errors.Is(err, doorbell.ErrAlreadyBound):
		return ErrCodeQueueExists
	case errors.Is(err, ctrl.ErrQueueNotFound):
		return ErrCodeQueueNotFound
	case errors.Is(err, ctrl.ErrInvalidQueueID),
		errors.Is(err, queue.ErrInvalidQueueConfig),
		errors.Is(err, doorbell.ErrInvalidCount),
		errors.Is(err, doorbell.ErrRegionTooSmall),
		errors.Is(err, doorbell.ErrRegionMisaligned):
		return ErrCodeInvalidParameters
	case errors.Is(err, queue.ErrInvalidDoorbellValue):
		return ErrCodeGuestError
	case errors.Is(err, ctrl.ErrControllerFatal):
		return ErrCodeControllerFatal
	case errors.Is(err, ctrl.ErrClosed), errors.Is(err, doorbell.ErrClosed):
		return ErrCodeClosed
	case errors.Is(err, ctrl.ErrStopTimeout):
		return ErrCodeTimeout
	case errors.Is(err, uring.ErrNotSupported):
		return ErrCodeNotSupported
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Errno == errno
	}
	return false
}
