package stepper

import (
	"math"
	"sync"
)

const (
	simStepsPerRun = 256
	simMaxSPS      = 10000
)

// SimBank is a pure software bank for development and tests. It models each
// actuator as a shaft with a physical position and a hard mechanical stop at
// Floor; jogging or moving into the stop clamps the shaft and raises the
// limit callback, which is how homing bottoms out.
type SimBank struct {
	mu      sync.Mutex
	phys    [NumAxes]int64 // physical shaft position
	offset  [NumAxes]int64 // logical = phys - offset
	tgt     [NumAxes]int64 // logical target
	jog     [NumAxes]float64
	atLimit [NumAxes]bool
	limit   LimitFunc
	enabled bool

	// StepsPerRun bounds how far an axis advances per Run/RunJog call.
	StepsPerRun int64
	// MaxSPS scales jog speeds onto StepsPerRun.
	MaxSPS float64
	// Floor is the physical position of the mechanical stop.
	Floor int64
}

func NewSimBank(floor int64) *SimBank {
	return &SimBank{
		StepsPerRun: simStepsPerRun,
		MaxSPS:      simMaxSPS,
		Floor:       floor,
	}
}

func (b *SimBank) SetLimitFunc(fn LimitFunc) {
	b.mu.Lock()
	b.limit = fn
	b.mu.Unlock()
}

func (b *SimBank) Enable(on bool) {
	b.mu.Lock()
	b.enabled = on
	b.mu.Unlock()
}

func (b *SimBank) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *SimBank) MoveTo(t Targets) {
	b.mu.Lock()
	for i := range t {
		b.tgt[i] = int64(t[i])
		b.jog[i] = 0
	}
	b.mu.Unlock()
}

func (b *SimBank) Jog(axis Axis, stepsPerSec float64) {
	b.mu.Lock()
	b.jog[axis] = stepsPerSec
	b.tgt[axis] = b.phys[axis] - b.offset[axis]
	b.mu.Unlock()
}

func (b *SimBank) Run() (moving bool) {
	for _, axis := range Axes {
		if b.advanceToward(axis) {
			moving = true
		}
	}
	return
}

func (b *SimBank) RunJog(axis Axis) {
	b.mu.Lock()
	sps := b.jog[axis]
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled || sps == 0 {
		return
	}

	steps := int64(math.Round(math.Abs(sps) / b.MaxSPS * float64(b.StepsPerRun)))
	if steps < 1 {
		steps = 1
	}
	if sps < 0 {
		steps = -steps
	}
	b.shift(axis, steps)
}

// advanceToward moves one axis at most StepsPerRun steps toward its target.
func (b *SimBank) advanceToward(axis Axis) (moving bool) {
	b.mu.Lock()
	logical := b.phys[axis] - b.offset[axis]
	delta := b.tgt[axis] - logical
	enabled := b.enabled && b.jog[axis] == 0
	b.mu.Unlock()

	if !enabled || delta == 0 {
		return enabled && delta != 0
	}

	steps := delta
	if steps > b.StepsPerRun {
		steps = b.StepsPerRun
	} else if steps < -b.StepsPerRun {
		steps = -b.StepsPerRun
	}
	b.shift(axis, steps)
	return true
}

// shift applies a physical movement, clamping at the floor and firing the
// limit callback on the transition into the stop.
func (b *SimBank) shift(axis Axis, steps int64) {
	b.mu.Lock()
	next := b.phys[axis] + steps
	if next <= b.Floor {
		next = b.Floor
	}
	hit := next == b.Floor && !b.atLimit[axis]
	b.atLimit[axis] = next == b.Floor
	b.phys[axis] = next
	fn := b.limit
	b.mu.Unlock()

	if hit && fn != nil {
		fn(axis)
	}
}

func (b *SimBank) Halt(axis Axis) {
	b.mu.Lock()
	b.jog[axis] = 0
	b.tgt[axis] = b.phys[axis] - b.offset[axis]
	b.mu.Unlock()
}

func (b *SimBank) HaltAll() {
	for _, axis := range Axes {
		b.Halt(axis)
	}
}

func (b *SimBank) Position(axis Axis) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int32(b.phys[axis] - b.offset[axis])
}

func (b *SimBank) SetPosition(axis Axis, pos int32) {
	b.mu.Lock()
	b.offset[axis] = b.phys[axis] - int64(pos)
	b.tgt[axis] = int64(pos)
	b.mu.Unlock()
}

func (b *SimBank) Running(axis Axis) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return false
	}
	return b.jog[axis] != 0 || b.phys[axis]-b.offset[axis] != b.tgt[axis]
}

func (b *SimBank) LimitActive(axis Axis) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phys[axis] <= b.Floor
}

func (b *SimBank) Close() error {
	return nil
}

// SimFan records the last commanded speed.
type SimFan struct {
	mu  sync.Mutex
	pct uint8
}

func (f *SimFan) SetSpeed(pct uint8) error {
	f.mu.Lock()
	f.pct = pct
	f.mu.Unlock()
	return nil
}

func (f *SimFan) Speed() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pct
}
