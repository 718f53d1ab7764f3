package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLock       = errors.New("resource locked")
	ErrConflict   = errors.New("fingerprint conflict")
	ErrNotFound   = errors.New("not found")
	ErrProvider   = errors.New("provider error")
	ErrValidation = errors.New("validation failed")
)

// LockError means a resource is transiently held by another process. Retryable.
type LockError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *LockError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s is locked (gave up after %d attempts): %v", e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s is locked: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *LockError) Is(target error) bool { return target == ErrLock }

// ConflictError means the resource changed since the caller last read it
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s changed since it was read (expected %s, found %s)", e.Path, short(e.Expected), short(e.Actual))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError means a referenced row, task, or subscription does not exist
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ProviderError is a non-success response from the upstream API
type ProviderError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: provider returned %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// ValidationError marks malformed inbound data. Callers drop and log it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "<none>"
	}
	return h
}
