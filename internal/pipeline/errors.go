package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoWorker is returned by WithActiveWorker when nothing is loaded
var ErrNoWorker = errors.New("no active worker")

// ErrClosed is returned once the worker manager has been torn down
var ErrClosed = errors.New("worker manager closed")

// ConfigError reports an out-of-range configuration selector.
// The previously active worker is left untouched.
type ConfigError struct {
	Field string
	Value int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s selector: %d", e.Field, e.Value)
}

// BackendInitError reports a compute backend that could not be created
type BackendInitError struct {
	Backend Backend
	Err     error
}

func (e *BackendInitError) Error() string {
	return fmt.Sprintf("backend %s init failed: %v", e.Backend, e.Err)
}

func (e *BackendInitError) Unwrap() error {
	return e.Err
}

// ListenerDeliveryError reports a notification that could not reach the listener.
// It never leaves the callback bridge.
type ListenerDeliveryError struct {
	ListenerID string
	Err        error
}

func (e *ListenerDeliveryError) Error() string {
	return fmt.Sprintf("listener %s delivery failed: %v", e.ListenerID, e.Err)
}

func (e *ListenerDeliveryError) Unwrap() error {
	return e.Err
}
