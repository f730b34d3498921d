// Package errs holds the error taxonomy shared by the engine components.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid or missing business parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrConcurrencyConflict is returned once store contention exhausted its retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrIdempotencyViolation means an idempotency key already exists with different content.
	ErrIdempotencyViolation = errors.New("idempotency violation")
	// ErrAlreadyRunning is returned when a session window lease is held by another run.
	ErrAlreadyRunning = errors.New("session window already running")
	ErrUnknownWindow  = errors.New("unknown session window")
	ErrNotFound       = errors.New("not found")

	ErrInvalidPlacement    = errors.New("invalid placement")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ConfigError describes a single invalid business parameter.
type ConfigError struct {
	Package string
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("configuration error: package %s: %s %s", e.Package, e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// IdempotencyError carries the conflicting key.
type IdempotencyError struct {
	Key    string
	Detail string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("idempotency violation: %s: %s", e.Key, e.Detail)
}

func (e *IdempotencyError) Is(target error) bool {
	return target == ErrIdempotencyViolation
}
