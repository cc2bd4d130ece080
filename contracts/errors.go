package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTransport is returned when a transport id has no configuration
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrUnknownDriver is returned when no factory is registered for a driver name
	ErrUnknownDriver = errors.New("unknown transport driver")

	// ErrUnknownEndpoint is returned when a logical endpoint name is not configured
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// ConfigurationError is a non-retryable error caused by missing or invalid configuration
type ConfigurationError struct {
	Key string // Offending id or name
	Err error  // Underlying error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %q", e.Err, e.Key)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err for key
func NewConfigurationError(key string, err error) error {
	return &ConfigurationError{Key: key, Err: err}
}

// IsConfigurationError reports whether err cannot be fixed by retrying
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
