package stepper

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/tarm/serial"
)

// Driver board register map. Each register is a signed 32 bit value
// addressed by (axis, register).
const (
	regStop     = 0x00
	regGoto     = 0x01
	regJog      = 0x02
	regPosition = 0x03
	regSetPos   = 0x04
	regStatus   = 0x05
	regEnable   = 0x06
	regVersion  = 0x0F

	statusRunning = 1 << 0
	statusLimit   = 1 << 1

	serialSOF = 0xA5
)

// BoardVersion is the firmware constraint for the external driver board.
// Boards outside this range are refused at startup.
const BoardVersion = "~1.0.0"

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// SerialBank talks to an external three channel stepper driver board over a
// register protocol. The board executes motion itself; Run and RunJog only
// poll status and surface limit transitions.
type SerialBank struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	limit    LimitFunc
	wasLimit [NumAxes]bool
	lastPos  [NumAxes]int32
	enabled  bool
}

func NewSerialBank(cfg SerialConfig) (b *SerialBank, err error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: 250 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	b = &SerialBank{port: port}

	// refuse to drive hardware running unknown firmware
	raw, err := b.get(AxisA, regVersion)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("driver board version query failed: %w", err)
	}

	version := fmt.Sprintf("%d.%d.%d", byte(raw>>16), byte(raw>>8), byte(raw))
	semVer, err := semver.NewVersion(version)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("driver board reported junk version %q: %w", version, err)
	}

	constraint, err := semver.NewConstraint(BoardVersion)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(semVer) {
		port.Close()
		return nil, fmt.Errorf("unable to use driver board: version %s - require %s", version, BoardVersion)
	}

	return b, nil
}

// put writes one register. Frame: SOF, axis, reg, value(4, big endian), xor.
func (b *SerialBank) put(axis Axis, reg uint8, value int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchange(axis, reg|0x80, value, nil)
}

// get reads one register.
func (b *SerialBank) get(axis Axis, reg uint8) (value int32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.exchange(axis, reg, 0, &value)
	return
}

func (b *SerialBank) exchange(axis Axis, reg uint8, value int32, resp *int32) error {
	frame := make([]byte, 8)
	frame[0] = serialSOF
	frame[1] = byte(axis)
	frame[2] = reg
	binary.BigEndian.PutUint32(frame[3:7], uint32(value))
	frame[7] = xorsum(frame[:7])

	if _, err := b.port.Write(frame); err != nil {
		return err
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(b.port, reply); err != nil {
		return err
	}
	if reply[0] != serialSOF || xorsum(reply[:7]) != reply[7] {
		return fmt.Errorf("bad frame from driver board: % x", reply)
	}

	if resp != nil {
		*resp = int32(binary.BigEndian.Uint32(reply[3:7]))
	}
	return nil
}

func xorsum(b []byte) (s byte) {
	for _, v := range b {
		s ^= v
	}
	return
}

func (b *SerialBank) SetLimitFunc(fn LimitFunc) {
	b.mu.Lock()
	b.limit = fn
	b.mu.Unlock()
}

func (b *SerialBank) Enable(on bool) {
	b.mu.Lock()
	b.enabled = on
	b.mu.Unlock()

	var v int32
	if on {
		v = 1
	}
	for _, axis := range Axes {
		if err := b.put(axis, regEnable, v); err != nil {
			log.Printf("serial bank: enable %s: %v", axis, err)
		}
	}
}

func (b *SerialBank) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *SerialBank) MoveTo(t Targets) {
	for i, axis := range Axes {
		if err := b.put(axis, regGoto, t[i]); err != nil {
			log.Printf("serial bank: goto %s: %v", axis, err)
		}
	}
}

func (b *SerialBank) Jog(axis Axis, stepsPerSec float64) {
	if err := b.put(axis, regJog, int32(stepsPerSec)); err != nil {
		log.Printf("serial bank: jog %s: %v", axis, err)
	}
}

func (b *SerialBank) Run() (moving bool) {
	for _, axis := range Axes {
		if b.pollStatus(axis)&statusRunning != 0 {
			moving = true
		}
	}
	return
}

func (b *SerialBank) RunJog(axis Axis) {
	b.pollStatus(axis)
}

// pollStatus reads the status register and raises the limit callback on the
// transition into the limit condition.
func (b *SerialBank) pollStatus(axis Axis) int32 {
	status, err := b.get(axis, regStatus)
	if err != nil {
		log.Printf("serial bank: status %s: %v", axis, err)
		return 0
	}

	atLimit := status&statusLimit != 0
	b.mu.Lock()
	hit := atLimit && !b.wasLimit[axis]
	b.wasLimit[axis] = atLimit
	fn := b.limit
	b.mu.Unlock()

	if hit && fn != nil {
		fn(axis)
	}
	return status
}

func (b *SerialBank) Halt(axis Axis) {
	if err := b.put(axis, regStop, 0); err != nil {
		log.Printf("serial bank: halt %s: %v", axis, err)
	}
}

func (b *SerialBank) HaltAll() {
	for _, axis := range Axes {
		b.Halt(axis)
	}
}

func (b *SerialBank) Position(axis Axis) int32 {
	pos, err := b.get(axis, regPosition)
	if err != nil {
		log.Printf("serial bank: position %s: %v", axis, err)
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.lastPos[axis]
	}

	b.mu.Lock()
	b.lastPos[axis] = pos
	b.mu.Unlock()
	return pos
}

func (b *SerialBank) SetPosition(axis Axis, pos int32) {
	if err := b.put(axis, regSetPos, pos); err != nil {
		log.Printf("serial bank: set position %s: %v", axis, err)
	}
}

func (b *SerialBank) Running(axis Axis) bool {
	return b.pollStatus(axis)&statusRunning != 0
}

func (b *SerialBank) LimitActive(axis Axis) bool {
	return b.pollStatus(axis)&statusLimit != 0
}

func (b *SerialBank) Close() error {
	b.HaltAll()
	return b.port.Close()
}
