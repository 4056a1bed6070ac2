package domain

import (
	"fmt"
	"time"
)

type MovementKind string

const (
	MovementWithdrawal MovementKind = "WITHDRAWAL"
	MovementTransfer   MovementKind = "TRANSFER"
)

func ParseMovementKind(s string) (MovementKind, error) {
	switch k := MovementKind(s); k {
	case MovementWithdrawal, MovementTransfer:
		return k, nil
	default:
		return "", fmt.Errorf("unknown movement kind %q", s)
	}
}

// Movement is the immutable record of one completed withdrawal or transfer.
type Movement struct {
	ID                    string
	SourceLocationID      string
	DestinationLocationID string // empty for a withdrawal
	ItemID                string
	ActorID               string
	Quantity              int64
	Kind                  MovementKind
	Timestamp             time.Time
	Description           string
}

type Location struct {
	ID          string
	Name        string
	Description string
	IsPrimary   bool
}

// ReconciliationEntry describes a movement that failed after its source line
// was already written and must be reconciled by hand.
type ReconciliationEntry struct {
	ID                    string
	SourceItemID          string
	Stage                 string
	Quantity              int64
	DestinationLocationID string
	ActorID               string
	Error                 string
	MovementID            string // set when the movement record was created
	CreatedAt             time.Time
}
