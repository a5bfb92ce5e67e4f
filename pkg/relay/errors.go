package relay

import (
	"errors"
	"fmt"
)

// TransientError marks a publish failure worth retrying: throttling,
// broker unavailability, network timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient publish error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a publish failure that retrying cannot fix:
// oversized or malformed messages. Reported and dropped, never retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent publish error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable publish failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a non-retryable publish failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// SessionError is fatal: the replication session itself failed and the
// loop cannot continue. Hint carries the operator remediation for the
// orphaned slot.
type SessionError struct {
	Slot string
	Hint string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("replication session on slot %q: %v", e.Slot, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
