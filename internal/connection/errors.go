package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Probe and Handle outside the Ready state.
	ErrNotReady = errors.New("connection not ready")
	// ErrAlreadyInitialized is returned by Initialize while Connecting or Ready.
	ErrAlreadyInitialized = errors.New("connection already initialized")
	// ErrClosed is returned by Initialize after Shutdown.
	ErrClosed = errors.New("connection closed")
)

// ConfigurationError reports missing or unusable connection settings.
// It is fatal at startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectivityError reports that the store could not be reached or
// provisioned during Initialize. Phase is one of "open", "probe", "provision".
type ConnectivityError struct {
	Phase string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity (%s): %v", e.Phase, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
