package chat

import (
	"errors"
	"fmt"
)

// ErrTransient marks failures of external collaborators (analysis, delivery,
// persistence) that may succeed on a later attempt.
var ErrTransient = errors.New("transient external error")

// ConfigurationError reports a missing or invalid setting. Fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// InvariantError reports a write that would break a data invariant. The
// offending write is dropped and the error logged.
type InvariantError struct {
	Kind          string
	Correspondent Correspondent
	Detail        string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation (%s) for %s: %s", e.Kind, e.Correspondent, e.Detail)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
