package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an application does not exist.
var ErrNotFound = errors.New("application not found")

// ErrAlreadyExists is returned when an application id is already taken.
var ErrAlreadyExists = errors.New("application already exists")

// ErrSettingNotFound is returned by settings stores for absent keys.
var ErrSettingNotFound = errors.New("setting not found")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// IntegrityError reports a broken one-open-interval invariant.
type IntegrityError struct {
	ApplicationID string
	OpenEntries   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stage history integrity violation for application %s: %d open entries, want 1",
		e.ApplicationID, e.OpenEntries)
}
