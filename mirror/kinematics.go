package mirror

import (
	"math"

	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/go-gl/mathgl/mgl64"
)

const (
	// MicrostepDivider matches the DIP setting on the driver boards.
	MicrostepDivider = 16

	// MicronPerStep is the vertical travel per microstep.
	MicronPerStep = 3.0 / MicrostepDivider

	// StepsPerMicron converts actuator travel to microsteps.
	StepsPerMicron = 1.0 / MicronPerStep

	// MirrorRadiusMicron is the radius of the actuator positions. Used to
	// convert an angular homing velocity into actuator steps per second.
	MirrorRadiusMicron = 281880

	// cosTipEpsilon bounds the transform away from the tip singularity.
	cosTipEpsilon = 1e-6
)

// DefaultCoefficients are the as-built geometry coefficients relating tip and
// tilt angles to actuator travel, in microns per radian terms.
var DefaultCoefficients = mgl64.Vec3{281.3, -140.6, 243.6}

// Pose is a commanded mirror orientation: tip and tilt in radians, focus
// displacement in microns.
type Pose struct {
	Tip   float64
	Tilt  float64
	Focus float64
}

// Kinematics maps poses onto actuator step targets. It is stateless and
// deterministic: the same pose always yields the same targets.
type Kinematics struct {
	c              mgl64.Vec3
	stepsPerMicron float64
}

func NewKinematics(coeffs mgl64.Vec3, stepsPerMicron float64) *Kinematics {
	if stepsPerMicron <= 0 {
		stepsPerMicron = StepsPerMicron
	}
	return &Kinematics{c: coeffs, stepsPerMicron: stepsPerMicron}
}

// StepTargets computes the absolute step target for each actuator.
// Returns ErrPoseSingular when cos(tip) vanishes; a singular pose is rejected
// rather than saturated so the actuators stay put.
func (k *Kinematics) StepTargets(p Pose) (t stepper.Targets, err error) {
	cosA := math.Cos(p.Tip)
	if math.Abs(cosA) < cosTipEpsilon {
		return t, ErrPoseSingular
	}

	tanA := math.Tan(p.Tip)
	tanB := math.Tan(p.Tilt)

	travel := mgl64.Vec3{
		p.Focus + k.c[0]*tanA,
		p.Focus + k.c[1]*tanA + k.c[2]*tanB/cosA,
		p.Focus + k.c[1]*tanA - k.c[2]*tanB/cosA,
	}

	for i := 0; i < stepper.NumAxes; i++ {
		t[i] = clampSteps(math.Round(travel[i] * k.stepsPerMicron))
	}
	return t, nil
}

// Feedback recovers the pose implied by a set of step counts. It is the
// inverse of StepTargets up to step rounding and feeds the position estimate
// in status reports.
func (k *Kinematics) Feedback(t stepper.Targets) (p Pose) {
	a := float64(t[0]) / k.stepsPerMicron
	b := float64(t[1]) / k.stepsPerMicron
	c := float64(t[2]) / k.stepsPerMicron

	tanA := (b + c - 2*a) / (2 * (k.c[1] - k.c[0]))
	p.Tip = math.Atan(tanA)
	p.Focus = a - k.c[0]*tanA
	p.Tilt = math.Atan((b - c) * math.Cos(p.Tip) / (2 * k.c[2]))
	return
}

// clampSteps saturates the integer cast at the int32 range instead of
// wrapping.
func clampSteps(v float64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
