package validation

import (
	"time"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
)

// ValidatePositive rejects value <= 0.
func ValidatePositive(module, field string, value int) error {
	if value > 0 {
		return nil
	}
	return ierrors.NewValidationError(module, field, value, "must be positive").
		WithHint("value must be greater than 0")
}

// ValidateNonNegative rejects value < 0.
func ValidateNonNegative(module, field string, value int) error {
	if value >= 0 {
		return nil
	}
	return ierrors.NewValidationError(module, field, value, "cannot be negative").
		WithHint("use 0 or a positive value")
}

// ValidateNonNegativeDuration rejects negative durations. Zero usually
// means disabled.
func ValidateNonNegativeDuration(module, field string, value time.Duration) error {
	if value >= 0 {
		return nil
	}
	return ierrors.NewValidationError(module, field, value, "cannot be negative").
		WithHint("use 0 to disable")
}

// ValidateNotNil rejects a nil interface value. A typed nil pointer
// stored in the interface passes; check those at the call site.
func ValidateNotNil(module, field string, value interface{}) error {
	if value != nil {
		return nil
	}
	return ierrors.NewValidationError(module, field, nil, "cannot be nil").
		WithHint("provide a valid " + field)
}

// ValidateNotEmpty rejects the empty string.
func ValidateNotEmpty(module, field, value string) error {
	if value != "" {
		return nil
	}
	return ierrors.NewValidationError(module, field, value, "cannot be empty").
		WithHint("provide a non-empty " + field)
}
