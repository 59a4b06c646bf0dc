// Package errors holds the error taxonomy shared by every kestrel package.
// Each kind is a distinct type so callers (a REST facade, the CLI) can map
// it onto their own surface: not-found kinds become 404s, fatal kinds
// terminate the process with their exit code.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ExitCodeError pairs an error with the exit code the process should use.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

// A malformed experiment profile or search space. Rejected before any
// state is mutated.
type ValidationError struct {
	s string
}

func (e ValidationError) Error() string {
	return e.s
}

func NewValidationError(msg string, args ...interface{}) error {
	return ValidationError{s: fmt.Sprintf(msg, args...)}
}

// An unknown trial job or experiment id.
type NotFoundError struct {
	s string
}

func (e NotFoundError) Error() string {
	return e.s
}

func NewNotFoundError(msg string, args ...interface{}) error {
	return NotFoundError{s: fmt.Sprintf(msg, args...)}
}

// A malformed control protocol message. The offending message is dropped,
// the channel survives.
type ProtocolError struct {
	s string
}

func (e ProtocolError) Error() string {
	return e.s
}

func NewProtocolError(msg string, args ...interface{}) error {
	return ProtocolError{s: fmt.Sprintf(msg, args...)}
}

// A submit, cancel or poll failure reported by a training service backend.
type TrainingServiceError struct {
	Op  string
	err error
}

func (e TrainingServiceError) Error() string {
	return fmt.Sprintf("training service %s: %v", e.Op, e.err)
}

func (e TrainingServiceError) Unwrap() error {
	return e.err
}

func NewTrainingServiceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return TrainingServiceError{Op: op, err: err}
}

// FatalError is an unrecoverable failure; continuing would corrupt
// experiment state. The process exits with the carried code.
type FatalError struct {
	*ExitCodeError
}

func (e FatalError) Error() string {
	return "fatal: " + e.ExitCodeError.Error()
}

func NewFatalError(err error, exitCode ExitCode) error {
	if err == nil {
		return nil
	}
	return FatalError{NewError(err, exitCode)}
}

func IsValidation(err error) bool {
	_, ok := pkgerrors.Cause(err).(ValidationError)
	return ok
}

func IsNotFound(err error) bool {
	_, ok := pkgerrors.Cause(err).(NotFoundError)
	return ok
}

func IsProtocol(err error) bool {
	_, ok := pkgerrors.Cause(err).(ProtocolError)
	return ok
}

func IsTrainingService(err error) bool {
	_, ok := pkgerrors.Cause(err).(TrainingServiceError)
	return ok
}

func IsFatal(err error) bool {
	_, ok := pkgerrors.Cause(err).(FatalError)
	return ok
}

// GetExitCode returns the exit code carried by err, or GenericFailureExitCode
// for errors that carry none. A nil error maps to 0.
func GetExitCode(err error) ExitCode {
	if err == nil {
		return 0
	}
	switch e := pkgerrors.Cause(err).(type) {
	case FatalError:
		return e.GetExitCode()
	case *ExitCodeError:
		return e.GetExitCode()
	case ValidationError:
		return UsageFailureExitCode
	}
	return GenericFailureExitCode
}
