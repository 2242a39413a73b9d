// Package reconcile pushes staged inventory adjustments to SAP Business One as
// goods receipt and goods issue documents and records the outcome per record and
// per closure in the control-plane database.
package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// ClosureStatus enumerates the persisted lifecycle of an inventory closure.
type ClosureStatus int16

const (
	ClosureOpen   ClosureStatus = 1
	ClosureReady  ClosureStatus = 3
	ClosureLocked ClosureStatus = 4
	ClosureDone   ClosureStatus = 5
	ClosureError  ClosureStatus = 9
)

func (s ClosureStatus) String() string {
	switch s {
	case ClosureOpen:
		return "open"
	case ClosureReady:
		return "ready"
	case ClosureLocked:
		return "locked"
	case ClosureDone:
		return "done"
	case ClosureError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// RecordState tracks an adjustment record through the sync.
type RecordState int16

const (
	StatePending   RecordState = 1
	StateCommitted RecordState = 2
	StateFailed    RecordState = 9
)

func (s RecordState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int16(s))
	}
}

// Direction is the movement sign of an adjustment.
type Direction string

const (
	DirectionEntry Direction = "E"
	DirectionExit  Direction = "S"
)

// Valid reports whether d is one of the persisted direction codes.
func (d Direction) Valid() bool {
	return d == DirectionEntry || d == DirectionExit
}

// DocumentType returns the SAP object table the direction is posted to.
func (d Direction) DocumentType() string {
	if d == DirectionEntry {
		return "OIGN"
	}
	return "OIGE"
}

// Signal notifies the worker that a closure is ready to be synced.
type Signal struct {
	ID        int64
	ClosureID int64
	CreatedAt time.Time
}

// ClosureConfig carries the accounting settings shared by every document of a
// closure. The offset accounts are checked per document, so a closure with only
// entries needs no exit account.
type ClosureConfig struct {
	ClosureID     int64
	Project       string
	EntryAccount  string
	ExitAccount   string
	InventoryDate time.Time `validate:"required"`
}

// AccountFor returns the offset account used for lines of direction d.
func (c ClosureConfig) AccountFor(d Direction) string {
	if d == DirectionEntry {
		return c.EntryAccount
	}
	return c.ExitAccount
}

// Adjustment is one pending inventory movement.
type Adjustment struct {
	ID        int64
	ClosureID int64
	ItemCode  string
	Quantity  float64
	Direction Direction
	Warehouse string
	Comment   string
}

// Batch is everything the pipeline needs for one claimed closure.
type Batch struct {
	Config      ClosureConfig
	Adjustments []Adjustment
}

// Line is one document line submitted to SAP.
type Line struct {
	ItemCode  string  `validate:"required"`
	Warehouse string  `validate:"required"`
	Quantity  float64 `validate:"gt=0"`
	Account   string  `validate:"required"`
	Project   string
}

// DocumentRequest describes a single goods receipt or goods issue.
type DocumentRequest struct {
	Direction Direction `validate:"oneof=E S"`
	Date      time.Time `validate:"required"`
	Reference string
	Comment   string
	Lines     []Line `validate:"required,min=1,dive"`
}

// DocumentResult identifies a document created in SAP.
type DocumentResult struct {
	Entry  int64
	Number int64
}

// DocumentRef is persisted on every committed record of a group.
type DocumentRef struct {
	Type   string
	Entry  int64
	Number int64
}

// Summary counts the outcome of one closure pass.
type Summary struct {
	Groups    int
	Committed int
	Failed    int
}

func (s *Summary) add(o Summary) {
	s.Groups += o.Groups
	s.Committed += o.Committed
	s.Failed += o.Failed
}

// DocumentReference is written to Reference2 on every document created by the worker.
const DocumentReference = "AJUSTEINV"

// ReasonNotInventoryItem is stored on records whose item is not inventory-tracked.
const ReasonNotInventoryItem = "item is not inventory-tracked"

var (
	// ErrClaimConflict indicates another worker owns the closure or its status moved on.
	ErrClaimConflict = errors.New("reconcile: closure is no longer ready")
	// ErrConfigurationMissing indicates the closure has no accounting configuration.
	ErrConfigurationMissing = errors.New("reconcile: closure accounting configuration missing")
	// ErrNoEligibleItems is stored on every record of a group without inventory-tracked items.
	ErrNoEligibleItems = errors.New("reconcile: no inventory-tracked items in group")
	// ErrConnectorUnavailable marks a lost or never established SAP session. It is
	// fatal to the closure being processed.
	ErrConnectorUnavailable = errors.New("reconcile: sap session unavailable")
	// ErrClosureNotLocked indicates a finalize attempt on a closure this worker does not hold.
	ErrClosureNotLocked = errors.New("reconcile: closure is not locked")
)
