package mirror

import (
	"log"

	"github.com/astroworks/gopmc/mirror/stepper"
)

type homingPhase int

const (
	homeInit homingPhase = iota
	homeApproach
	homeBackoff
	homeRelease
	homeNormalize
	homeFinalize
)

// backoffSpeedFraction slows the back-off and release passes so the switch
// release point is read with fine resolution.
const backoffSpeedFraction = 0.1

// homingSequence walks the six homing phases, one tick at a time. It has no
// lock of its own: every field is touched only from the control tick.
type homingSequence struct {
	phase      homingPhase
	sps        float64
	spent      [stepper.NumAxes]int32
	backoffTgt [stepper.NumAxes]int32
	zeroRef    [stepper.NumAxes]int32
	released   [stepper.NumAxes]bool
	faulted    [stepper.NumAxes]bool
}

// restart arms the sequence from the first phase. Called on every FindHome,
// so a re-issued home mid sequence starts over cleanly.
func (h *homingSequence) restart(sps float64) {
	*h = homingSequence{phase: homeInit, sps: sps}
}

func (h *homingSequence) reset() {
	*h = homingSequence{}
}

// tick advances the sequence by one control period. Returns true when the
// sequence has finished, successfully or not.
func (h *homingSequence) tick(c *Controller) (done bool) {
	switch h.phase {
	case homeInit:
		// previous limit hits and faults are stale once a new reference
		// run starts
		c.clearLimitFlags()
		c.clearFaults()
		for _, axis := range stepper.Axes {
			c.bank.Jog(axis, -h.sps)
		}
		log.Printf("homing started at %.0f steps/s", h.sps)
		h.phase = homeApproach

	case homeApproach:
		settled := true
		for i, axis := range stepper.Axes {
			if h.faulted[i] || c.limitFoundOn(axis) {
				continue
			}
			if c.bank.LimitActive(axis) {
				// already resting on the switch, nothing to approach
				c.LimitSwitchHandler(axis)
				continue
			}
			settled = false
			h.advance(c, i, axis, func() bool { return c.limitFoundOn(axis) })
		}
		if !settled {
			return false
		}
		if h.anyFault() {
			return h.abort(c)
		}
		for i, axis := range stepper.Axes {
			c.bank.Jog(axis, backoffSpeedFraction*h.sps)
			h.backoffTgt[i] = c.bank.Position(axis) + c.backoffSteps
		}
		h.phase = homeBackoff

	case homeBackoff:
		settled := true
		for i, axis := range stepper.Axes {
			if c.bank.Position(axis) >= h.backoffTgt[i] {
				continue
			}
			settled = false
			c.bank.RunJog(axis)
		}
		if settled {
			h.phase = homeRelease
		}

	case homeRelease:
		settled := true
		for i, axis := range stepper.Axes {
			if h.released[i] || h.faulted[i] {
				continue
			}
			if !c.bank.LimitActive(axis) {
				c.bank.Halt(axis)
				h.zeroRef[i] = c.bank.Position(axis)
				h.released[i] = true
				continue
			}
			settled = false
			h.advance(c, i, axis, func() bool { return !c.bank.LimitActive(axis) })
		}
		if !settled {
			return false
		}
		if h.anyFault() {
			return h.abort(c)
		}
		h.phase = homeNormalize

	case homeNormalize:
		// the release point is the zero reference for every counter in
		// the system
		for _, axis := range stepper.Axes {
			c.bank.SetPosition(axis, 0)
		}
		c.store.Reset()
		h.phase = homeFinalize

	case homeFinalize:
		c.markHomed()
		c.clearLimitFlags()
		c.store.SetMode(ModeStop)
		c.requestPersist()
		c.notify(Notification{Kind: NoteHomeComplete, Marker: CompletionMarker})
		log.Printf("homing complete, release points [A/B/C]: %d, %d, %d", h.zeroRef[0], h.zeroRef[1], h.zeroRef[2])
		h.reset()
		return true
	}
	return false
}

// advance jogs one axis and charges the distance moved against its step
// budget, faulting the axis when the budget runs out before the phase's
// switch condition is met.
func (h *homingSequence) advance(c *Controller, i int, axis stepper.Axis, met func() bool) {
	before := c.bank.Position(axis)
	c.bank.RunJog(axis)
	moved := c.bank.Position(axis) - before
	if moved < 0 {
		moved = -moved
	}
	h.spent[i] += moved

	if h.spent[i] > c.budget && !met() {
		c.bank.Halt(axis)
		h.faulted[i] = true
		c.setFault(axis)
		log.Printf("%v", AxisFaultError{Axis: axis, Steps: h.spent[i]})
	}
}

func (h *homingSequence) anyFault() bool {
	return h.faulted[0] || h.faulted[1] || h.faulted[2]
}

// abort stops the run without establishing a reference. Faulted axes have
// already been reported; positions are left where they stand and the stored
// record keeps its previous homed flag.
func (h *homingSequence) abort(c *Controller) bool {
	c.bank.HaltAll()
	c.clearLimitFlags()
	c.store.SetMode(ModeStop)
	log.Print("homing aborted, zero reference not established")
	h.reset()
	return true
}
