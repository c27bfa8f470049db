// Package validation provides common validation utilities for configuration
// parameters across the httpinstr library.
//
// The functions return *errors.ValidationError values so constructors and
// configuration loaders report rejected values with a consistent message.
package validation
