package mirror

import "sync"

// ControlMode selects how incoming target updates are interpreted.
type ControlMode uint8

const (
	ModeStop     ControlMode = 0
	ModeRelative ControlMode = 1
	ModeAbsolute ControlMode = 2
)

func ParseControlMode(v uint8) (ControlMode, error) {
	switch m := ControlMode(v); m {
	case ModeStop, ModeRelative, ModeAbsolute:
		return m, nil
	}
	return ModeStop, BadModeError{Mode: v}
}

func (m ControlMode) String() string {
	switch m {
	case ModeStop:
		return "STOP"
	case ModeRelative:
		return "RELATIVE"
	case ModeAbsolute:
		return "ABSOLUTE"
	}
	return "UNKNOWN"
}

// PoseField names one field of the active pose.
type PoseField int

const (
	FieldTip PoseField = iota
	FieldTilt
	FieldFocus
)

func (f PoseField) String() string {
	switch f {
	case FieldTip:
		return "tip"
	case FieldTilt:
		return "tilt"
	case FieldFocus:
		return "focus"
	}
	return "?"
}

// CommandStore holds the two pose records shared between the command context
// and the control tick: the active pose written by command handlers and the
// shadow pose the tick executes toward. All cross context access goes through
// these methods; each holds the lock only for the field group being touched,
// never across driver or storage calls.
//
// The shadow pose is only ever written by CopyActiveToShadow, which the tick
// alone may call.
type CommandStore struct {
	mu      sync.Mutex
	active  Pose
	shadow  Pose
	mode    ControlMode
	updated [3]bool // indexed by PoseField
}

// Update applies fn to one field of the active pose under the lock and marks
// its updated flag. fn must be short and must not block; it receives the
// current value so relative updates read and write in one critical section.
// An error from fn leaves the store untouched.
func (s *CommandStore) Update(field PoseField, fn func(cur float64) (float64, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p *float64
	switch field {
	case FieldTip:
		p = &s.active.Tip
	case FieldTilt:
		p = &s.active.Tilt
	case FieldFocus:
		p = &s.active.Focus
	}

	v, err := fn(*p)
	if err != nil {
		return err
	}
	*p = v
	s.updated[field] = true
	return nil
}

// SetPose replaces the whole active pose as one logical update.
func (s *CommandStore) SetPose(p Pose) {
	s.mu.Lock()
	s.active = p
	s.updated = [3]bool{true, true, true}
	s.mu.Unlock()
}

func (s *CommandStore) Active() Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *CommandStore) SetMode(m ControlMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *CommandStore) Mode() ControlMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// PendingMove reports whether any axis has an unconsumed target update and
// the mode permits motion. Flags are left set; they are consumed by
// CopyActiveToShadow when the move machine accepts the command.
func (s *CommandStore) PendingMove() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeStop {
		return false
	}
	return s.updated[FieldTip] || s.updated[FieldTilt] || s.updated[FieldFocus]
}

// CopyActiveToShadow snapshots the active pose into the shadow record and
// clears the updated flags. Tick context only. The copy happens under the
// same lock as handler writes, so the shadow can never mix fields from two
// generations of a grouped update.
func (s *CommandStore) CopyActiveToShadow() Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadow = s.active
	s.updated = [3]bool{}
	return s.shadow
}

func (s *CommandStore) Shadow() Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow
}

// Reset zeroes both records after homing establishes a new reference.
func (s *CommandStore) Reset() {
	s.mu.Lock()
	s.active = Pose{}
	s.shadow = Pose{}
	s.updated = [3]bool{}
	s.mu.Unlock()
}
