package main

import (
	"errors"
	"fmt"
)

// AuthError means one of the two APIs rejected our credentials.
// Never retried; fatal for the run.
type AuthError struct {
	Service string // "tado" or "octopus"
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Service, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UpstreamError is a transient API failure that survived the retry budget.
type UpstreamError struct {
	Service    string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream error (HTTP %d) after %d attempts: %v", e.Service, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s upstream error after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ValidationError means the rate data or configuration is malformed.
// Logged with the offending interval where one exists.
type ValidationError struct {
	Interval string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Interval != "" {
		return fmt.Sprintf("validation error at %s: %s", e.Interval, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// StateCorruptionError means a persisted state or checkpoint file could not
// be read. Requires manual intervention; the run never silently restarts.
type StateCorruptionError struct {
	Path string
	Err  error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state file %s is unreadable: %v (remove or repair it to continue)", e.Path, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// errorClass names the taxonomy bucket for the exit summary.
func errorClass(err error) string {
	var authErr *AuthError
	var upstreamErr *UpstreamError
	var validationErr *ValidationError
	var stateErr *StateCorruptionError
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &upstreamErr):
		return "upstream"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &stateErr):
		return "state_corruption"
	default:
		return "internal"
	}
}
