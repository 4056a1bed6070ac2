package service

import (
	"errors"
	"fmt"

	"github.com/rl1809/stock-movement/internal/port"
)

var (
	ErrItemNotFound              = errors.New("item not found")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrInvalidQuantity           = errors.New("invalid quantity")
	ErrInvalidDestination        = errors.New("invalid destination")
	ErrAmbiguousDestinationMatch = errors.New("ambiguous destination match")
	ErrConflict                  = errors.New("concurrent modification")
	ErrPersistence               = errors.New("persistence error")
	ErrInvalidItem               = errors.New("invalid item")
	ErrDuplicateSerial           = errors.New("duplicate serial")
)

// PartialFailureError reports a movement that failed after the source line
// had already been written. The source change stays in place and has to be
// reconciled by hand; ReconciliationID names the log entry describing it.
// MovementID is set when the movement record was created before the failure.
type PartialFailureError struct {
	Stage            State
	SourceItemID     string
	MovementID       string
	ReconciliationID string
	Err              error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("movement of item %s failed while %s after the source line was written, reconcile manually: %v",
		e.SourceItemID, e.Stage, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// storeError classifies an error returned by the document store.
func storeError(op string, err error) error {
	if errors.Is(err, port.ErrVersionConflict) {
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// State is a step of the movement state machine.
type State int

const (
	StateValidating State = iota
	StateAdjustingSource
	StateReconcilingDestination
	StateRecording
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StateAdjustingSource:
		return "ADJUSTING_SOURCE"
	case StateReconcilingDestination:
		return "RECONCILING_DESTINATION"
	case StateRecording:
		return "RECORDING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
