package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrCodeProviderTimeout, "decision provider timed out")

	if err.Code != ErrCodeProviderTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeProviderTimeout, err.Code)
	}
	if !strings.Contains(err.Error(), "PROVIDER_TIMEOUT") {
		t.Errorf("error string should contain code: %s", err.Error())
	}
	if len(err.Stack) == 0 {
		t.Error("expected captured stack frames")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "nothing") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapUnwrap(t *testing.T) {
	underlying := errors.New("selector not resolved")
	err := Wrap(underlying, ErrCodeDriverAction, "click failed")

	if !errors.Is(err, underlying) {
		t.Error("wrapped error should unwrap to the underlying error")
	}
	if !strings.Contains(err.Error(), "selector not resolved") {
		t.Errorf("error string should include underlying: %s", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeSessionNotFound, "no such session").
		WithContext("sessionId", "sess-123")

	if err.Context["sessionId"] != "sess-123" {
		t.Error("context value not recorded")
	}
	if !strings.Contains(err.Error(), "sess-123") {
		t.Errorf("error string should include context: %s", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeOwnershipConflict, "handle already owned")

	if !IsCode(err, ErrCodeOwnershipConflict) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeSessionNotFound) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), ErrCodeInternal) {
		t.Error("plain errors carry no code")
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(nil) != "" {
		t.Error("nil error has no code")
	}
	if GetCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("plain errors map to INTERNAL")
	}
	if GetCode(New(ErrCodeDriverNavigation, "timeout")) != ErrCodeDriverNavigation {
		t.Error("structured code not extracted")
	}
}

func TestRetryable(t *testing.T) {
	err := New(ErrCodeProviderAPIError, "upstream 503").WithRetryable(true)

	if !IsRetryable(err) {
		t.Error("expected retryable")
	}
	if IsRetryable(New(ErrCodeProviderMalformed, "bad json")) {
		t.Error("malformed output is not retryable")
	}
}
