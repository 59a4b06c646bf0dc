package journal

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// The journal could not be parsed. Resume must not continue from it.
type CorruptedJournalError struct {
	expID string
	s     string
}

func (e CorruptedJournalError) Error() string {
	return fmt.Sprintf("journal for experiment %s is corrupted: %s", e.expID, e.s)
}

func NewCorruptedJournalError(expID, msg string) error {
	return CorruptedJournalError{expID: expID, s: msg}
}

// An event was rejected before being written.
type InvalidEventError struct {
	s string
}

func (e InvalidEventError) Error() string {
	return e.s
}

func NewInvalidEventError(msg string, args ...interface{}) error {
	return InvalidEventError{s: fmt.Sprintf(msg, args...)}
}

func IsCorrupted(err error) bool {
	_, ok := pkgerrors.Cause(err).(CorruptedJournalError)
	return ok
}
