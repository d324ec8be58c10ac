// Package result classifies handler outcomes for the retry pipeline.
package result

import (
	"errors"
	"fmt"
)

type Class string

const (
	// Retryable failures go back on the backoff ladder.
	Retryable Class = "retryable"
	// Fatal failures are dead-lettered immediately.
	Fatal Class = "fatal"
	// Conflict means a concurrent writer won; the transaction may be retried in place.
	Conflict Class = "conflict"
)

// Error carries a class and a stable reason code for callers and operators.
type Error struct {
	Class Class
	Code  string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewRetryable(code string, err error) *Error {
	return &Error{Class: Retryable, Code: code, Err: err}
}

func NewFatal(code string, err error) *Error {
	return &Error{Class: Fatal, Code: code, Err: err}
}

func NewConflict(code string, err error) *Error {
	return &Error{Class: Conflict, Code: code, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are Retryable.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	return Retryable
}

// CodeOf returns the reason code of err, or "" when err is unclassified.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
