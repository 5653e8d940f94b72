package kds

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entry, order or station does not exist.
// Callers must not retry.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError is returned when a requested transition is not
// legal from the entry's current state. Surfaced to the actor, not retried.
type InvalidTransitionError struct {
	Entry     EntryID
	Requested TransitionType
	Current   EntryState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s for entry %s in state %s", e.Requested, e.Entry, e.Current)
}

// ConflictError is returned when the optimistic-concurrency check failed:
// the row changed since the caller last read it. Current carries the state
// actually found; the caller re-fetches and may retry.
type ConflictError struct {
	Entry    EntryID
	Expected EntryState
	Current  EntryState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale write for entry %s: expected %s, found %s", e.Entry, e.Expected, e.Current)
}

// RecallWindowExpiredError is returned when station policy enforces a recall
// cutoff and it has passed.
type RecallWindowExpiredError struct {
	Entry  EntryID
	Window string
}

func (e *RecallWindowExpiredError) Error() string {
	return fmt.Sprintf("recall window %s expired for entry %s", e.Window, e.Entry)
}

func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsRecallWindowExpired(err error) bool {
	var re *RecallWindowExpiredError
	return errors.As(err, &re)
}
