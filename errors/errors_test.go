package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/c360/duplexbus/pkg/retry"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"connect failure", ErrConnectFailure, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"eof", io.EOF, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"protocol", ErrProtocol, ErrorInvalid},
		{"unsupported payload", fmt.Errorf("encode: %w", ErrUnsupportedPayload), ErrorInvalid},
		{"not connected", ErrNotConnected, ErrorInvalid},
		{"unknown session", ErrUnknownSession, ErrorInvalid},
		{"bind failure", ErrBindFailure, ErrorFatal},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"classified wins", WrapFatal(ErrProtocol, "c", "m", "a"), ErrorFatal},
		{"unknown defaults to transient", errors.New("boom"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "c", "m", "a") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	err := Wrap(ErrUnknownSession, "TCPInputConnector", "SendResponseMessage", "lookup session")
	want := "TCPInputConnector.SendResponseMessage: lookup session failed: unknown session"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, ErrUnknownSession) {
		t.Error("wrapped error must match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(ErrConnectionLost, "Comp", "Op", "send")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class || ce.Component != "Comp" || ce.Operation != "Op" {
				t.Errorf("unexpected classified error %+v", ce)
			}
			if !errors.Is(err, ErrConnectionLost) {
				t.Error("classified error must unwrap to sentinel")
			}
			if test.wrap(nil, "c", "m", "a") != nil {
				t.Error("wrapping nil must return nil")
			}
		})
	}
}

func TestProtocolf(t *testing.T) {
	err := Protocolf("BinaryFormatter", "Decode", "unknown frame kind %d", 7)
	if !errors.Is(err, ErrProtocol) {
		t.Fatal("expected ErrProtocol")
	}
	if !IsInvalid(err) {
		t.Error("protocol errors are invalid class")
	}
	want := "BinaryFormatter.Decode: decode frame failed: malformed frame: unknown frame kind 7"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) != nil {
		t.Fatal("nil stays nil")
	}
	if retry.IsNonRetryable(Retryable(ErrConnectFailure)) {
		t.Error("transient errors stay retryable")
	}
	if !retry.IsNonRetryable(Retryable(ErrProtocol)) {
		t.Error("invalid errors must not be retried")
	}
}

func TestConnectPolicy_RetryConfig(t *testing.T) {
	cfg := ConnectPolicy{}.RetryConfig()
	if cfg.MaxAttempts != 1 {
		t.Errorf("expected at least one attempt, got %d", cfg.MaxAttempts)
	}

	cfg = DefaultConnectPolicy().RetryConfig()
	if cfg.MaxAttempts != 2 || cfg.Multiplier != 2.0 || !cfg.AddJitter {
		t.Errorf("unexpected config %+v", cfg)
	}
}
