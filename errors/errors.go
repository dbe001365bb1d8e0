package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/c360/duplexbus/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or an invalid state
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
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

// Transport errors
var (
	ErrConnectFailure    = errors.New("connect failure")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrBindFailure       = errors.New("bind failure")
)

// Protocol and serialization errors
var (
	ErrProtocol           = errors.New("malformed frame")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrUnsupportedPayload = errors.New("unsupported payload type")
	ErrSerialization      = errors.New("serialization failed")
	ErrInvalidPattern     = errors.New("invalid topic pattern")
)

// State errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotListening     = errors.New("not listening")
	ErrAlreadyListening = errors.New("already listening")
	ErrNotAttached      = errors.New("not attached to a channel")
	ErrAlreadyAttached  = errors.New("already attached to a channel")
	ErrClosed           = errors.New("closed")
)

// Lookup errors
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownService = errors.New("unknown service")
)

// Configuration errors
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
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

// IsTransient reports whether err is worth retrying after reconnecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectFailure) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFatal reports whether err should stop the component that produced it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrBindFailure) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid reports whether err was caused by bad input or an invalid state.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	for _, target := range []error{
		ErrProtocol, ErrFrameTooLarge, ErrUnsupportedPayload, ErrSerialization, ErrInvalidPattern,
		ErrNotConnected, ErrAlreadyConnected, ErrNotListening, ErrAlreadyListening,
		ErrNotAttached, ErrAlreadyAttached, ErrClosed, ErrUnknownSession, ErrUnknownService,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	// Explicit classification wins over sentinel matching.
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

// Is and As are re-exported so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return errors.Join(errs...) }

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

// Protocolf builds an invalid-class protocol error with a formatted detail.
func Protocolf(component, method, format string, args ...any) error {
	detail := fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
	return WrapInvalid(detail, component, method, "decode frame")
}

// ConnectPolicy describes how connectors retry transient failures while opening a connection.
type ConnectPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConnectPolicy tries once more after a short pause.
func DefaultConnectPolicy() ConnectPolicy {
	return ConnectPolicy{
		Attempts:     2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
	}
}

// RetryConfig converts the policy into a retry.Config. Only transient errors are retried;
// everything else is marked non-retryable by Retryable.
func (p ConnectPolicy) RetryConfig() retry.Config {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Retryable marks non-transient errors as non-retryable for retry.Do.
func Retryable(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return retry.NonRetryable(err)
}
