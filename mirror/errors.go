package mirror

import (
	"errors"
	"fmt"

	"github.com/astroworks/gopmc/mirror/stepper"
)

var (
	// ErrPoseSingular is returned when cos(tip) vanishes and the transform
	// has no finite solution.
	ErrPoseSingular = errors.New("pose is singular: cos(tip) is zero")

	// ErrMoveInProgress is returned for relative target updates that
	// arrive while a move is executing; the base position is still
	// changing so the update is refused.
	ErrMoveInProgress = errors.New("relative update refused: move in progress")
)

// BadModeError reports an unrecognized control mode byte from the command
// surface.
type BadModeError struct {
	Mode uint8
}

func (err BadModeError) Error() string {
	return fmt.Sprintf("unrecognized control mode %d", err.Mode)
}

// RangeError reports a target outside the configured mechanical range.
type RangeError struct {
	Field string
	Value float64
	Limit float64
}

func (err RangeError) Error() string {
	return fmt.Sprintf("%s target %g exceeds mechanical range ±%g", err.Field, err.Value, err.Limit)
}

// AxisFaultError reports an axis that exceeded its homing step budget
// without reaching the mechanical limit.
type AxisFaultError struct {
	Axis  stepper.Axis
	Steps int32
}

func (err AxisFaultError) Error() string {
	return fmt.Sprintf("axis %s faulted: no limit found within %d steps", err.Axis, err.Steps)
}
