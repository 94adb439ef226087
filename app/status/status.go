// Package status defines the job application lifecycle and its allowed
// transitions.
//
//	pending ──▶ in_progress ──▶ applied
//	   │             │             │
//	   ▼             ▼             ▼
//	           discarded ──▶ (pending)
//
// A discarded job can be picked up again (discarded ──▶ pending). Nothing
// moves on its own; every transition is requested by a user action or by an
// operation acting on the user's behalf, and illegal requests are rejected
// without touching the record.
package status

import (
	"errors"
	"fmt"
)

// Status is the application state of a tracked job.
type Status string

// job application states
const (
	Pending    Status = "pending"     // discovered, not worked on yet
	InProgress Status = "in_progress" // cover letter or application underway
	Applied    Status = "applied"     // application submitted
	Discarded  Status = "discarded"   // dropped, kept for history
)

// ErrInvalidTransition is returned for status changes outside the allowed set.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps each state to the states it may move to.
// self-transitions are not allowed.
var validTransitions = map[Status][]Status{
	Pending:    {InProgress, Discarded},
	InProgress: {Applied, Discarded},
	Applied:    {Discarded},
	Discarded:  {Pending},
}

// All lists every status in lifecycle order.
func All() []Status {
	return []Status{Pending, InProgress, Applied, Discarded}
}

// Parse converts a string into a Status, rejecting unknown values.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid reports whether st is one of the defined statuses.
func Valid(st Status) bool {
	_, ok := validTransitions[st]
	return ok
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidTransition (wrapped with both states) if
// from -> to is not allowed, nil otherwise.
func Validate(from, to Status) error {
	if !Valid(from) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !Valid(to) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s Status) String() string { return string(s) }

// Terminal reports whether s has no outgoing transitions except revival.
func (s Status) Terminal() bool { return s == Applied || s == Discarded }
