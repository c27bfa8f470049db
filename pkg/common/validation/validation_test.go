package validation

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/vnykmshr/httpinstr/pkg/common/errors"
)

func checkResult(t *testing.T, err error, wantError bool) {
	t.Helper()
	if wantError {
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !errors.IsValidationError(err) {
			t.Errorf("expected ValidationError, got %T", err)
		}
		return
	}
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidatePositive(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		wantError bool
	}{
		{"positive value", 10, false},
		{"one", 1, false},
		{"zero value", 0, true},
		{"negative value", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidatePositive("workerpool", "max_workers", tt.value), tt.wantError)
		})
	}
}

func TestValidateNonNegative(t *testing.T) {
	tests := []struct {
		name      string
		value     int
		wantError bool
	}{
		{"positive value", 8, false},
		{"zero value", 0, false},
		{"negative value", -3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidateNonNegative("workerpool", "min_workers", tt.value), tt.wantError)
		})
	}
}

func TestValidateNonNegativeDuration(t *testing.T) {
	tests := []struct {
		name      string
		value     time.Duration
		wantError bool
	}{
		{"positive", time.Second, false},
		{"zero", 0, false},
		{"negative", -time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidateNonNegativeDuration("server", "async_timeout", tt.value), tt.wantError)
		})
	}
}

func TestValidateNotNil(t *testing.T) {
	tests := []struct {
		name      string
		value     interface{}
		wantError bool
	}{
		{"non-nil struct", struct{}{}, false},
		{"non-nil pointer", new(int), false},
		{"nil value", nil, true},
		{"nil pointer", (*int)(nil), false}, // typed nil is not nil interface
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidateNotNil("server", "handler", tt.value), tt.wantError)
		})
	}
}

func TestValidateNotEmpty(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantError bool
	}{
		{"non-empty string", "api", false},
		{"whitespace", " ", false},
		{"empty string", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkResult(t, ValidateNotEmpty("server", "service_name", tt.value), tt.wantError)
		})
	}
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidatePositive("workerpool", "max_workers", -5)

	var valErr *errors.ValidationError
	if !stderrors.As(err, &valErr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if valErr.Module != "workerpool" || valErr.Field != "max_workers" {
		t.Errorf("unexpected module/field: %s/%s", valErr.Module, valErr.Field)
	}
	if valErr.Value != -5 {
		t.Errorf("Value = %v, want -5", valErr.Value)
	}
	if valErr.Hint == "" {
		t.Error("expected a hint")
	}
}
