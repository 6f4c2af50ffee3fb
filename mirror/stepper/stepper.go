package stepper

// Axis identifies one of the three linear actuators supporting the mirror.
type Axis int

const (
	AxisA Axis = iota
	AxisB
	AxisC
)

const NumAxes = 3

func (a Axis) String() string {
	switch a {
	case AxisA:
		return "A"
	case AxisB:
		return "B"
	case AxisC:
		return "C"
	}
	return "?"
}

// Axes lists every axis in order, for range loops.
var Axes = [NumAxes]Axis{AxisA, AxisB, AxisC}

// Targets holds one absolute step count per axis.
type Targets [NumAxes]int32

// LimitFunc is invoked by a bank when an axis reaches its mechanical limit.
// Implementations must be cheap and non-blocking; they run inside the bank's
// motion servicing.
type LimitFunc func(axis Axis)

// Bank drives the three actuators. Motion methods (MoveTo, Run, Jog, RunJog,
// Halt*) are only ever called from the control tick; Position, Running and
// LimitActive may be called from any goroutine.
type Bank interface {
	// MoveTo stages absolute step targets for a coordinated move.
	MoveTo(t Targets)

	// Run advances all axes toward their staged targets by at most one
	// tick's worth of steps. Returns true while any axis is still moving.
	Run() bool

	// Jog sets a constant-speed move for one axis. Negative speed moves
	// toward the mechanical limit. The axis does not move until RunJog.
	Jog(axis Axis, stepsPerSec float64)

	// RunJog advances a jogging axis by one tick's worth of steps.
	RunJog(axis Axis)

	// Halt stops one axis immediately, collapsing its target onto the
	// current position.
	Halt(axis Axis)
	HaltAll()

	Position(axis Axis) int32

	// SetPosition redefines the current position of an axis without
	// moving it. Used to establish the zero reference after homing and to
	// restore persisted positions at boot.
	SetPosition(axis Axis, pos int32)

	// Running reports whether the axis has not yet reached its target.
	Running(axis Axis) bool

	// LimitActive reports the raw limit condition for an axis.
	LimitActive(axis Axis) bool

	// SetLimitFunc registers the callback fired when an axis bottoms out.
	SetLimitFunc(fn LimitFunc)

	// Enable latches the global driver enable. While disabled no motion
	// methods have any effect.
	Enable(on bool)
	Enabled() bool

	Close() error
}

// Fan controls the mirror cell ventilation fan.
type Fan interface {
	// SetSpeed sets the fan to a percentage of full scale.
	SetSpeed(pct uint8) error
}
