package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoContextOverlap is matched by every NoContextOverlapError.
	ErrNoContextOverlap = errors.New("no context word in embedding table")
	// ErrAlreadyNormalized is returned when a table is normalized a second time.
	ErrAlreadyNormalized = errors.New("embedding table already normalized")
	// ErrNotNormalized is returned when ranking against a table that was never normalized.
	ErrNotNormalized = errors.New("embedding table not normalized")
	// ErrTableFrozen is returned when writing to a table after normalization.
	ErrTableFrozen = errors.New("embedding table is frozen")
	// ErrRunNotFound is returned by storage lookups of unknown runs.
	ErrRunNotFound = errors.New("run not found")
)

// MalformedRecordError describes an input line that was skipped.
type MalformedRecordError struct {
	Source string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s:%d: malformed record: %s", e.Source, e.Line, e.Reason)
}

// DimensionMismatchError aborts an embedding load whose rows disagree in length.
type DimensionMismatchError struct {
	Line int
	Word string
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("line %d: vector for %q has %d dimensions, want %d", e.Line, e.Word, e.Got, e.Want)
}

// NoContextOverlapError reports an instance whose context has no word in the table.
type NoContextOverlapError struct {
	Key        ResultKey
	InstanceID string
}

func (e *NoContextOverlapError) Error() string {
	return fmt.Sprintf("instance %s (%s): %s", e.InstanceID, e.Key, ErrNoContextOverlap)
}

// Is makes errors.Is(err, ErrNoContextOverlap) true.
func (e *NoContextOverlapError) Is(target error) bool {
	return target == ErrNoContextOverlap
}

// EmptyCandidateSetWarning notes a list shorter than requested. It is not an error.
type EmptyCandidateSetWarning struct {
	Key  ResultKey `json:"key"`
	Want int       `json:"want"`
	Got  int       `json:"got"`
}

func (w EmptyCandidateSetWarning) String() string {
	return fmt.Sprintf("%s: %d of %d candidates", w.Key, w.Got, w.Want)
}
