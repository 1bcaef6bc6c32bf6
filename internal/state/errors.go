package state

import (
	"errors"
	"fmt"
)

// ErrRunTerminal is returned when a mutation is attempted on a run whose
// status is already completed or failed.
var ErrRunTerminal = errors.New("analysis run is terminal")

// SequenceError reports an iteration record whose number does not follow the
// run's current iteration. Always fatal to the run: it means a collaborator
// or the loop produced inconsistent ordering.
type SequenceError struct {
	RunID    string
	Expected int
	Got      int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("run %s: iteration out of sequence: expected %d, got %d",
		e.RunID, e.Expected, e.Got)
}

// DuplicateIDError reports an id collision with differing content. Always
// fatal to the run.
type DuplicateIDError struct {
	RunID  string
	Entity string
	ID     string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("run %s: duplicate %s id %q with differing content",
		e.RunID, e.Entity, e.ID)
}

// ErrHypothesisNotFound is returned when updating a hypothesis that does not
// exist in the run.
var ErrHypothesisNotFound = errors.New("hypothesis not found")
