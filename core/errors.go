package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
	Err     error  // Underlying cause, if any
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing     = "ENV_FILE_MISSING"
	ErrCodeMissingConfig      = "MISSING_CONFIG"
	ErrCodeInvalidValue       = "INVALID_VALUE"
	ErrCodeInvalidCalibration = "INVALID_CALIBRATION"
	ErrCodeConflictingConfig  = "CONFLICTING_CONFIG"
)

// ErrEnvFileMissing returns an error for missing .env file
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env and configure the camera calibration",
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your environment or .env file", varName),
	}
}

// ErrInvalidValue returns an error for a variable that is set but unusable.
func ErrInvalidValue(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Fix %s or unset it to use the default", varName),
	}
}

// ErrInvalidCalibration wraps a calibration that could not be read or
// validated. source is the variable or file it came from.
func ErrInvalidCalibration(source string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidCalibration,
		Message: fmt.Sprintf("Invalid camera calibration from %s: %v", source, err),
		Action:  "Provide fx, fy, cx, cy and five distortion coefficients with positive focal lengths",
		Err:     err,
	}
}

// ErrConflictingConfig returns an error when two mutually exclusive
// variables are both set.
func ErrConflictingConfig(a, b string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConflictingConfig,
		Message: fmt.Sprintf("Both %s and %s are set", a, b),
		Action:  fmt.Sprintf("Unset one of %s and %s", a, b),
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}
