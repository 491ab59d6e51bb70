package stream

import (
	"errors"
	"fmt"
	"time"

	"loopcast/internal/supervisor"
)

// ErrSessionExists is returned when creating a session whose ID is taken.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned for lookups of unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a state change violates the session
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ExternalServiceError reports a failed remote call during the broadcast
// handshake. Step names which handshake step failed (create-stream or
// create-broadcast) so operators can clean up orphaned remote resources.
type ExternalServiceError struct {
	Step string
	Err  error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("broadcast handshake step %s: %v", e.Step, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// BindError reports that attaching the ingest stream to the broadcast failed.
// Partial binds leave ambiguous remote state, so this is always terminal for
// the session.
type BindError struct {
	Err error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind ingest stream to broadcast: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// TimeoutError reports that the encoder never became active within the
// readiness window.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("encoder not active after %s", e.Waited)
}

// FailureReason maps a session failure to a short label used for metrics and
// the persisted failure reason.
func FailureReason(err error) string {
	var bindErr *BindError
	var externalErr *ExternalServiceError
	var timeoutErr *TimeoutError
	var launchErr *supervisor.LaunchError
	switch {
	case errors.As(err, &bindErr):
		return "bind"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &externalErr):
		return "external"
	case errors.As(err, &launchErr):
		return "launch"
	default:
		return "internal"
	}
}
