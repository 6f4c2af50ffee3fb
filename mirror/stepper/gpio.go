package stepper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

const (
	// gpioMaxStepsPerRun caps the pulses emitted in one servicing call so
	// the control tick stays bounded.
	gpioMaxStepsPerRun = 64

	// A4988 style drivers: ENABLE is active low.
	gpioStepPulse = 2 * time.Microsecond
)

// AxisPins holds the BCM pin assignment for one actuator.
type AxisPins struct {
	Step  uint8 `yaml:"step"`
	Dir   uint8 `yaml:"dir"`
	Limit uint8 `yaml:"limit"`
}

type GPIOConfig struct {
	Axes   [NumAxes]AxisPins `yaml:"axes"`
	Enable uint8             `yaml:"enable"`
	MaxSPS float64           `yaml:"max_sps"`
}

// GPIOBank bit-bangs step/dir drivers through the Pi GPIO header. Pulse
// pacing is derived from wall time between servicing calls, so the bank never
// sleeps for longer than a single step pulse inside the tick.
type GPIOBank struct {
	mu      sync.Mutex
	cfg     GPIOConfig
	step    [NumAxes]rpio.Pin
	dir     [NumAxes]rpio.Pin
	lim     [NumAxes]rpio.Pin
	en      rpio.Pin
	pos     [NumAxes]int64
	offset  [NumAxes]int64
	tgt     [NumAxes]int64
	jog     [NumAxes]float64
	debt    [NumAxes]float64 // fractional steps owed from pacing
	last    [NumAxes]time.Time
	limit   LimitFunc
	enabled bool
}

func NewGPIOBank(cfg GPIOConfig) (b *GPIOBank, err error) {
	if err = rpio.Open(); err != nil {
		return nil, fmt.Errorf("unable to open gpio: %w (not running on a Pi?)", err)
	}

	if cfg.MaxSPS <= 0 {
		cfg.MaxSPS = 4000
	}

	b = &GPIOBank{cfg: cfg}
	for i, axis := range cfg.Axes {
		b.step[i] = rpio.Pin(axis.Step)
		b.step[i].Output()
		b.step[i].Low()

		b.dir[i] = rpio.Pin(axis.Dir)
		b.dir[i].Output()

		b.lim[i] = rpio.Pin(axis.Limit)
		b.lim[i].Input()
		b.lim[i].PullUp()
		b.lim[i].Detect(rpio.FallEdge)
	}

	b.en = rpio.Pin(cfg.Enable)
	b.en.Output()
	b.en.High() // drivers disabled until explicitly enabled

	return b, nil
}

func (b *GPIOBank) SetLimitFunc(fn LimitFunc) {
	b.mu.Lock()
	b.limit = fn
	b.mu.Unlock()
}

func (b *GPIOBank) Enable(on bool) {
	b.mu.Lock()
	b.enabled = on
	b.mu.Unlock()
	if on {
		b.en.Low()
	} else {
		b.en.High()
	}
}

func (b *GPIOBank) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *GPIOBank) MoveTo(t Targets) {
	b.mu.Lock()
	now := time.Now()
	for i := range t {
		b.tgt[i] = int64(t[i])
		b.jog[i] = 0
		b.debt[i] = 0
		b.last[i] = now
	}
	b.mu.Unlock()
}

func (b *GPIOBank) Jog(axis Axis, stepsPerSec float64) {
	b.mu.Lock()
	b.jog[axis] = stepsPerSec
	b.tgt[axis] = b.pos[axis] - b.offset[axis]
	b.debt[axis] = 0
	b.last[axis] = time.Now()
	b.mu.Unlock()
}

func (b *GPIOBank) Run() (moving bool) {
	b.pollLimits()
	for _, axis := range Axes {
		if b.serviceMove(axis) {
			moving = true
		}
	}
	return
}

func (b *GPIOBank) RunJog(axis Axis) {
	b.pollLimits()

	b.mu.Lock()
	sps := b.jog[axis]
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled || sps == 0 {
		return
	}

	steps := b.dueSteps(axis, math.Abs(sps))
	if sps < 0 {
		steps = -steps
	}
	b.emit(axis, steps)
}

func (b *GPIOBank) serviceMove(axis Axis) bool {
	b.mu.Lock()
	delta := b.tgt[axis] - (b.pos[axis] - b.offset[axis])
	enabled := b.enabled && b.jog[axis] == 0
	b.mu.Unlock()
	if !enabled || delta == 0 {
		return enabled && delta != 0
	}

	due := b.dueSteps(axis, b.cfg.MaxSPS)
	if int64(due) > delta && delta > 0 {
		due = int(delta)
	} else if int64(-due) < delta && delta < 0 {
		due = int(-delta)
	}
	if delta < 0 {
		due = -due
	}
	b.emit(axis, due)
	return true
}

// dueSteps converts elapsed wall time into a step count at the given rate,
// carrying the fractional remainder forward.
func (b *GPIOBank) dueSteps(axis Axis, sps float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last[axis]).Seconds()
	b.last[axis] = now

	owed := b.debt[axis] + elapsed*sps
	steps := math.Floor(owed)
	b.debt[axis] = owed - steps

	if steps > gpioMaxStepsPerRun {
		steps = gpioMaxStepsPerRun
	}
	return int(steps)
}

// emit pulses the step pin |steps| times with the direction pin set first.
func (b *GPIOBank) emit(axis Axis, steps int) {
	if steps == 0 {
		return
	}

	if steps > 0 {
		b.dir[axis].High()
	} else {
		b.dir[axis].Low()
	}

	n := steps
	if n < 0 {
		n = -n
	}
	for i := 0; i < n; i++ {
		b.step[axis].High()
		time.Sleep(gpioStepPulse)
		b.step[axis].Low()
		time.Sleep(gpioStepPulse)
	}

	b.mu.Lock()
	b.pos[axis] += int64(steps)
	b.mu.Unlock()
}

func (b *GPIOBank) pollLimits() {
	for _, axis := range Axes {
		if b.lim[axis].EdgeDetected() {
			b.mu.Lock()
			fn := b.limit
			b.mu.Unlock()
			if fn != nil {
				fn(axis)
			}
		}
	}
}

func (b *GPIOBank) Halt(axis Axis) {
	b.mu.Lock()
	b.jog[axis] = 0
	b.tgt[axis] = b.pos[axis] - b.offset[axis]
	b.mu.Unlock()
}

func (b *GPIOBank) HaltAll() {
	for _, axis := range Axes {
		b.Halt(axis)
	}
}

func (b *GPIOBank) Position(axis Axis) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int32(b.pos[axis] - b.offset[axis])
}

func (b *GPIOBank) SetPosition(axis Axis, pos int32) {
	b.mu.Lock()
	b.offset[axis] = b.pos[axis] - int64(pos)
	b.tgt[axis] = int64(pos)
	b.mu.Unlock()
}

func (b *GPIOBank) Running(axis Axis) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return false
	}
	return b.jog[axis] != 0 || b.pos[axis]-b.offset[axis] != b.tgt[axis]
}

func (b *GPIOBank) LimitActive(axis Axis) bool {
	return b.lim[axis].Read() == rpio.Low
}

func (b *GPIOBank) Close() error {
	b.en.High()
	for _, axis := range Axes {
		b.lim[axis].Detect(rpio.NoEdge)
	}
	return rpio.Close()
}

// PWMFan drives the mirror cell fan through a hardware PWM pin.
type PWMFan struct {
	pin rpio.Pin
}

const (
	fanPWMFreq  = 64000
	fanPWMCycle = 100
)

func NewPWMFan(pin uint8) *PWMFan {
	f := &PWMFan{pin: rpio.Pin(pin)}
	f.pin.Pwm()
	f.pin.Freq(fanPWMFreq)
	f.pin.DutyCycle(0, fanPWMCycle)
	return f
}

func (f *PWMFan) SetSpeed(pct uint8) error {
	if pct > 100 {
		pct = 100
	}
	f.pin.DutyCycle(uint32(pct), fanPWMCycle)
	return nil
}
