// Package errors provides standardized error handling patterns for diffract
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping and classification across the
// processing engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents per-image errors: the image is skipped and
	// counted, the run continues
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that must stop the run
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Configuration errors (fatal before dispatch begins)
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrBadGeometry    = errors.New("invalid detector geometry")
	ErrUnreadableCell = errors.New("unreadable unit cell file")
	ErrBadTolerance   = errors.New("invalid cell tolerance")

	// Per-image load errors
	ErrFileNotFound   = errors.New("image file not found")
	ErrCorruptPayload = errors.New("corrupt image payload")
	ErrNoSuchEvent    = errors.New("event not present in file")

	// Per-image processing errors
	ErrPeakSearchFailed = errors.New("peak search failed")
	ErrNotIndexed       = errors.New("no indexing solution")
	ErrBackendTimeout   = errors.New("indexer backend timeout")
	ErrBackendCrashed   = errors.New("indexer backend crashed")
	ErrNotIntegrable    = errors.New("reflection not integrable")

	// Crystal-level arithmetic conditions; these short-circuit the current
	// crystal, not the image
	ErrCellNotSensible   = errors.New("unit cell parameters not sensible")
	ErrNegativeRadius    = errors.New("negative profile radius")
	ErrNonPositiveLambda = errors.New("wavelength must be positive")

	// Dispatcher and worker errors
	ErrWorkerStalled = errors.New("worker heartbeat stalled")
	ErrWorkerCrashed = errors.New("worker crashed")
	ErrTerminated    = errors.New("processing terminated")
	ErrBufferFull    = errors.New("reorder buffer full")

	// Output errors (fatal)
	ErrSinkWrite = errors.New("stream sink write failed")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is a per-image condition that should not
// stop the run
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, ErrCorruptPayload) ||
		errors.Is(err, ErrNoSuchEvent) ||
		errors.Is(err, ErrPeakSearchFailed) ||
		errors.Is(err, ErrNotIndexed) ||
		errors.Is(err, ErrBackendTimeout) ||
		errors.Is(err, ErrBackendCrashed) ||
		errors.Is(err, ErrWorkerStalled) ||
		errors.Is(err, ErrWorkerCrashed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"temporary",
		"unavailable",
		"retry",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error must stop the run
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrBadGeometry) ||
		errors.Is(err, ErrUnreadableCell) ||
		errors.Is(err, ErrSinkWrite)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrBadTolerance) ||
		errors.Is(err, ErrCellNotSensible) ||
		errors.Is(err, ErrNegativeRadius) ||
		errors.Is(err, ErrNonPositiveLambda)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient so an unknown per-image condition never stops
	// the run
	return ErrorTransient
}

// newClassified creates a new classified error.
// This is an internal helper - use WrapTransient(), WrapFatal(), or
// WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
