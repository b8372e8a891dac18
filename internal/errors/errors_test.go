package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodeUnsupportedAddressFamily,
		CodeHostUnreachable,
		CodeScanFailed,
		CodeTargetInvalid,
		CodeProviderFailed,
		CodeProvidersExhausted,
		CodePersistenceConnection,
		CodePersistenceWrite,
		CodePersistencePartial,
		CodePersistenceMigration,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
		if seen[code] {
			t.Errorf("Duplicate error code %s", code)
		}
		seen[code] = true
	}
}

func TestScanError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewScanError(CodeScanFailed, "scan failed")
		if err.Code != CodeScanFailed {
			t.Errorf("Expected code %s, got %s", CodeScanFailed, err.Code)
		}
		if err.Context == nil {
			t.Error("Context should be initialized")
		}
	})

	t.Run("error with target", func(t *testing.T) {
		err := ErrUnsupportedAddressFamily("::1")
		if err.Target != "::1" {
			t.Errorf("Expected target '::1', got '%s'", err.Target)
		}
		if !strings.Contains(err.Error(), "UNSUPPORTED_ADDRESS_FAMILY") {
			t.Errorf("Error string should contain code, got %q", err.Error())
		}
	})

	t.Run("wrapping preserves cause", func(t *testing.T) {
		cause := fmt.Errorf("boom")
		err := WrapScanError(CodeScanFailed, "pass failed", cause)
		if !errors.Is(err, cause) {
			t.Error("Expected wrapped error to match cause")
		}
	})

	t.Run("with context", func(t *testing.T) {
		err := NewScanError(CodeScanFailed, "x").WithContext("port", 80)
		if err.Context["port"] != 80 {
			t.Errorf("Expected context port 80, got %v", err.Context["port"])
		}
	})
}

func TestPartialBatch(t *testing.T) {
	cause := fmt.Errorf("write conflict")
	err := ErrPartialBatch(1, 3, cause)

	if err.Failed != 1 || err.Total != 3 {
		t.Errorf("Expected 1/3 failed, got %d/%d", err.Failed, err.Total)
	}
	if !strings.Contains(err.Error(), "1 out of 3 records failed") {
		t.Errorf("Unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected partial batch error to unwrap to cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"scan error", ErrInvalidTarget("x"), CodeTargetInvalid},
		{"geolocation error", ErrProvidersExhausted("1.2.3.4"), CodeProvidersExhausted},
		{"persistence error", ErrPersistenceConnection(fmt.Errorf("refused")), CodePersistenceConnection},
		{"config error", ErrConfigMissing("start_ip"), CodeConfiguration},
		{"wrapped typed error", fmt.Errorf("outer: %w", ErrConfigInvalid("port", 0)), CodeValidation},
		{"plain error", fmt.Errorf("plain"), CodeUnknown},
		{"nil error", nil, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	if !IsRetryable(ErrPartialBatch(1, 2, nil)) {
		t.Error("Partial batch should be retryable")
	}
	if !IsRetryable(ErrPersistenceConnection(nil)) {
		t.Error("Connection failure should be retryable")
	}
	if IsRetryable(ErrConfigMissing("x")) {
		t.Error("Missing config should not be retryable")
	}
	if !IsFatal(ErrConfigMissing("x")) {
		t.Error("Missing config should be fatal")
	}
	if IsFatal(ErrProvidersExhausted("1.1.1.1")) {
		t.Error("Provider exhaustion should not be fatal")
	}
	if !IsCode(WrapGeolocationError("ipapi", "1.1.1.1", fmt.Errorf("x")), CodeProviderFailed) {
		t.Error("Expected provider failed code")
	}
	if IsCode(nil, CodeUnknown) {
		t.Error("nil should not match any code")
	}
}
