package mirror

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astroworks/gopmc/mirror/stepper"
)

// MoveState tracks the move execution machine. Only the control tick writes
// it; command handlers read it or request transitions through flags.
type MoveState int32

const (
	Idle MoveState = iota
	NewMoveCmd
	MoveInProgress
	MoveComplete
	LimitSwDetect
	HomingIsActive
)

func (s MoveState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case NewMoveCmd:
		return "NEW_MOVE_CMD"
	case MoveInProgress:
		return "MOVE_IN_PROGRESS"
	case MoveComplete:
		return "MOVE_COMPLETE"
	case LimitSwDetect:
		return "LIMIT_SW_DETECT"
	case HomingIsActive:
		return "HOMING_IS_ACTIVE"
	}
	return "UNKNOWN"
}

// CompletionMarker is the opaque value pushed with move and home complete
// telemetry.
const CompletionMarker = 0xBEEF

type NotificationKind int

const (
	NoteMoveComplete NotificationKind = iota
	NoteHomeComplete
	NoteAxisFault
)

// Notification is an asynchronous telemetry marker, pushed once per
// completed move or home and once per axis fault.
type Notification struct {
	Kind   NotificationKind
	Axis   stepper.Axis // NoteAxisFault only
	Marker uint16
}

// StatusBits are the per axis status flags reported to the host.
type StatusBits struct {
	Running bool `json:"running"`
	Faulted bool `json:"faulted"`
	AtHome  bool `json:"home"`
}

type persistReq struct {
	targets stepper.Targets
	homed   bool
}

// Controller is the primary mirror control subsystem: the move and homing
// state machines, the command surface and the control tick. Construct one at
// startup and share it by reference; there is no teardown.
type Controller struct {
	store  *CommandStore
	kin    *Kinematics
	bank   stepper.Bank
	fan    stepper.Fan
	bridge *PersistenceBridge

	period       time.Duration
	maxTipRad    float64
	maxTiltRad   float64
	maxStroke    float64
	maxSPS       float64
	budget       int32
	backoffSteps int32

	state int32 // MoveState, atomic

	// cross context flags; the lock is only ever held for flag flips
	flagMu     sync.Mutex
	stopReq    bool
	homeReq    bool
	homeSPS    float64
	limitFound [stepper.NumAxes]bool
	faulted    [stepper.NumAxes]bool
	homedRef   [stepper.NumAxes]bool
	homed      bool

	homing homingSequence

	persistCh chan persistReq
	notifyCh  chan Notification
}

func NewController(cfg Config, bank stepper.Bank, fan stepper.Fan, bridge *PersistenceBridge) *Controller {
	c := &Controller{
		store:        &CommandStore{},
		kin:          NewKinematics(cfg.CoefficientVec(), StepsPerMicron),
		bank:         bank,
		fan:          fan,
		bridge:       bridge,
		period:       cfg.Period(),
		maxTipRad:    cfg.MaxTipMrad * 1e-3,
		maxTiltRad:   cfg.MaxTiltMrad * 1e-3,
		maxStroke:    cfg.MaxStrokeMicron,
		maxSPS:       cfg.MaxSPS,
		budget:       cfg.HomingBudgetSteps,
		backoffSteps: int32(math.Round(cfg.BackoffMicron * StepsPerMicron)),
		persistCh:    make(chan persistReq, 4),
		notifyCh:     make(chan Notification, 16),
	}
	bank.SetLimitFunc(c.LimitSwitchHandler)
	return c
}

// Run drives the control tick at the configured period until ctx is
// canceled. Persistence writes run in their own lower priority goroutine so
// the tick never touches storage.
func (c *Controller) Run(ctx context.Context) {
	go c.persistLoop(ctx)

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

//---
// Command surface
//---

// SetControlMode sets how target updates are interpreted.
func (c *Controller) SetControlMode(m ControlMode) {
	c.store.SetMode(m)
}

// SetTip updates the tip target. The argument is in microradians.
func (c *Controller) SetTip(urad float64) error {
	return c.setTarget(FieldTip, urad*1e-6, c.maxTipRad)
}

// SetTilt updates the tilt target. The argument is in microradians.
func (c *Controller) SetTilt(urad float64) error {
	return c.setTarget(FieldTilt, urad*1e-6, c.maxTiltRad)
}

// SetFocus updates the focus target. The argument is in microns.
func (c *Controller) SetFocus(um float64) error {
	return c.setTarget(FieldFocus, um, c.maxStroke)
}

func (c *Controller) setTarget(field PoseField, v, limit float64) error {
	relative := c.store.Mode() == ModeRelative
	if relative && c.State() == MoveInProgress {
		// the base position is still changing; refuse rather than
		// compound onto a moving target
		return ErrMoveInProgress
	}

	return c.store.Update(field, func(cur float64) (float64, error) {
		next := v
		if relative {
			next = cur + v
		}
		if math.Abs(next) > limit {
			return 0, RangeError{Field: field.String(), Value: next, Limit: limit}
		}
		return next, nil
	})
}

// SetFanSpeed forwards a percentage to the fan driver.
func (c *Controller) SetFanSpeed(pct uint8) error {
	return c.fan.SetSpeed(pct)
}

// FindHome requests the homing sequence. velocity is the angular homing
// velocity in radians per second; it is converted to actuator steps per
// second through the mirror radius. Re-issuing while homing restarts the
// sequence from the beginning.
func (c *Controller) FindHome(velocity float64) {
	sps := math.Abs(velocity) * MirrorRadiusMicron / MicronPerStep
	if sps > c.maxSPS {
		sps = c.maxSPS
	}
	if sps == 0 {
		sps = c.maxSPS / 4
	}

	c.flagMu.Lock()
	c.homeReq = true
	c.homeSPS = sps
	c.flagMu.Unlock()
}

// Stop requests an immediate halt. Serviced within one tick period from any
// state, including mid homing (the partial homing state is discarded).
func (c *Controller) Stop() {
	c.flagMu.Lock()
	c.stopReq = true
	c.flagMu.Unlock()
}

// Enable latches the stepper drivers. Disabling forces STOP mode and brings
// the machine back to idle.
func (c *Controller) Enable(on bool) {
	c.bank.Enable(on)
	if !on {
		c.store.SetMode(ModeStop)
		c.Stop()
	}
}

func (c *Controller) Enabled() bool {
	return c.bank.Enabled()
}

func (c *Controller) State() MoveState {
	return MoveState(atomic.LoadInt32(&c.state))
}

func (c *Controller) setState(s MoveState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Controller) HomingInProgress() bool {
	return c.State() == HomingIsActive
}

// Status returns the derived status bits for one axis.
func (c *Controller) Status(axis stepper.Axis) StatusBits {
	c.flagMu.Lock()
	faulted := c.faulted[axis]
	homedRef := c.homedRef[axis]
	c.flagMu.Unlock()

	return StatusBits{
		Running: c.bank.Running(axis),
		Faulted: faulted,
		AtHome:  homedRef && c.bank.Position(axis) == 0,
	}
}

func (c *Controller) StatusAll() (bits [stepper.NumAxes]StatusBits) {
	for i, axis := range stepper.Axes {
		bits[i] = c.Status(axis)
	}
	return
}

// Positions returns the current step count per axis.
func (c *Controller) Positions() (t stepper.Targets) {
	for i, axis := range stepper.Axes {
		t[i] = c.bank.Position(axis)
	}
	return
}

// Feedback estimates the achieved pose from the current step counts.
func (c *Controller) Feedback() Pose {
	return c.kin.Feedback(c.Positions())
}

func (c *Controller) Mode() ControlMode {
	return c.store.Mode()
}

// Notifications exposes the asynchronous completion/fault markers.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifyCh
}

// LoadPositions seeds the bank from the persisted record. Called once at
// startup before the tick starts.
func (c *Controller) LoadPositions() {
	rec := c.bridge.Load()
	t := rec.Targets()
	for i, axis := range stepper.Axes {
		c.bank.SetPosition(axis, t[i])
	}

	c.flagMu.Lock()
	c.homed = rec.Homed
	for i := range c.homedRef {
		c.homedRef[i] = rec.Homed
	}
	c.flagMu.Unlock()

	log.Printf("position record loaded [A/B/C]: %d, %d, %d (homed=%v)", t[0], t[1], t[2], rec.Homed)
}

// ResetPositions zeroes the persisted record and the bank counters.
func (c *Controller) ResetPositions() error {
	for _, axis := range stepper.Axes {
		c.bank.SetPosition(axis, 0)
	}

	c.flagMu.Lock()
	c.homed = false
	c.homedRef = [stepper.NumAxes]bool{}
	c.flagMu.Unlock()

	return c.bridge.Reset()
}

// LimitSwitchHandler is invoked from the driver context when an axis hits
// its mechanical limit. It only flips flags (and halts the one axis while
// homing); the tick performs all state transitions.
func (c *Controller) LimitSwitchHandler(axis stepper.Axis) {
	c.flagMu.Lock()
	c.limitFound[axis] = true
	homing := c.State() == HomingIsActive
	c.flagMu.Unlock()

	if homing {
		c.bank.Halt(axis)
	}
}

//---
// Control tick
//---

// tick advances whichever state machine is active by exactly one step. It
// performs no storage I/O and never blocks; completion work is handed to the
// persist/notify channels.
func (c *Controller) tick() {
	if c.takeStopRequest() {
		c.stopNow()
		return
	}

	if sps, ok := c.takeHomeRequest(); ok {
		c.homing.restart(sps)
		c.setState(HomingIsActive)
		// homing drives relative jogs; a stale STOP mode must not block
		// the pose updates that follow normalization
		c.store.SetMode(ModeRelative)
	}

	if c.State() != HomingIsActive && c.limitPending() {
		c.bank.HaltAll()
		c.setState(LimitSwDetect)
	}

	switch c.State() {
	case Idle:
		if c.store.PendingMove() {
			c.setState(NewMoveCmd)
			c.dispatchMove()
		}

	case NewMoveCmd:
		// transient; re-dispatching is harmless if ever observed here
		c.dispatchMove()

	case MoveInProgress:
		if !c.bank.Run() {
			c.setState(MoveComplete)
			c.completeMove()
		} else if c.store.PendingMove() {
			log.Print("move interrupted by new command")
			c.setState(NewMoveCmd)
			c.dispatchMove()
		}

	case MoveComplete:
		// transient; handled in completeMove on the same tick
		c.setState(Idle)

	case LimitSwDetect:
		if c.allIdle() {
			c.clearLimitFlags()
			c.setState(Idle)
		} else {
			c.bank.HaltAll()
		}

	case HomingIsActive:
		if c.homing.tick(c) {
			c.setState(Idle)
		}
	}
}

// dispatchMove snapshots the command pose, computes step targets and hands
// them to the bank. NEW_MOVE_CMD resolves to MOVE_IN_PROGRESS on the same
// tick, mirroring the single-pass accept-and-go of the move machine.
func (c *Controller) dispatchMove() {
	pose := c.store.CopyActiveToShadow()
	targets, err := c.kin.StepTargets(pose)
	if err != nil {
		// cannot happen through the command surface range checks;
		// refuse the move rather than slew to a saturated target
		log.Printf("move rejected: %v", err)
		c.setState(Idle)
		return
	}

	c.bank.MoveTo(targets)
	c.setState(MoveInProgress)
	if !c.bank.Run() {
		c.setState(MoveComplete)
		c.completeMove()
	}
}

func (c *Controller) completeMove() {
	c.requestPersist()
	c.notify(Notification{Kind: NoteMoveComplete, Marker: CompletionMarker})
	c.setState(Idle)
}

// stopNow forces an immediate halt: all axes stop, any homing partial state
// is discarded, mode returns to STOP.
func (c *Controller) stopNow() {
	c.bank.HaltAll()
	c.homing.reset()
	c.store.SetMode(ModeStop)
	c.clearLimitFlags()
	c.setState(Idle)
	c.requestPersist()
}

func (c *Controller) takeStopRequest() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	req := c.stopReq
	c.stopReq = false
	return req
}

func (c *Controller) takeHomeRequest() (sps float64, ok bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	if !c.homeReq {
		return 0, false
	}
	c.homeReq = false
	return c.homeSPS, true
}

func (c *Controller) limitPending() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.limitFound[0] || c.limitFound[1] || c.limitFound[2]
}

func (c *Controller) limitFoundOn(axis stepper.Axis) bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.limitFound[axis]
}

func (c *Controller) clearLimitFlags() {
	c.flagMu.Lock()
	c.limitFound = [stepper.NumAxes]bool{}
	c.flagMu.Unlock()
}

func (c *Controller) setFault(axis stepper.Axis) {
	c.flagMu.Lock()
	c.faulted[axis] = true
	c.flagMu.Unlock()
	c.notify(Notification{Kind: NoteAxisFault, Axis: axis})
}

func (c *Controller) clearFaults() {
	c.flagMu.Lock()
	c.faulted = [stepper.NumAxes]bool{}
	c.flagMu.Unlock()
}

func (c *Controller) markHomed() {
	c.flagMu.Lock()
	c.homed = true
	for i := range c.homedRef {
		c.homedRef[i] = true
	}
	c.flagMu.Unlock()
}

func (c *Controller) isHomed() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return c.homed
}

func (c *Controller) allIdle() bool {
	for _, axis := range stepper.Axes {
		if c.bank.Running(axis) {
			return false
		}
	}
	return true
}

// requestPersist hands the current positions to the persistence goroutine.
// Non-blocking: if the queue is full the next completion saves again.
func (c *Controller) requestPersist() {
	select {
	case c.persistCh <- persistReq{targets: c.Positions(), homed: c.isHomed()}:
	default:
	}
}

// notify pushes a telemetry marker without ever blocking the tick.
func (c *Controller) notify(n Notification) {
	select {
	case c.notifyCh <- n:
	default:
		log.Printf("notification dropped: %+v", n)
	}
}

func (c *Controller) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.persistCh:
			if err := c.bridge.Save(req.targets, req.homed); err != nil {
				log.Printf("unable to persist positions: %v", err)
			}
		}
	}
}
