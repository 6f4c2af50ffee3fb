package mirror

import (
	. "math"
	"testing"

	"github.com/astroworks/gopmc/mirror/stepper"
	. "github.com/smartystreets/goconvey/convey"
)

func TestStepTargets(t *testing.T) {
	Convey("As-built geometry", t, func() {
		k := NewKinematics(DefaultCoefficients, StepsPerMicron)

		Convey("zero pose commands zero steps", func() {
			targets, err := k.StepTargets(Pose{})
			So(err, ShouldBeNil)
			So(targets, ShouldResemble, stepper.Targets{0, 0, 0})
		})

		Convey("pure focus raises all three actuators equally", func() {
			// 10000um * 16/3 steps per um
			targets, err := k.StepTargets(Pose{Focus: 10000})
			So(err, ShouldBeNil)
			So(targets[0], ShouldEqual, 53333)
			So(targets[1], ShouldEqual, 53333)
			So(targets[2], ShouldEqual, 53333)
		})

		Convey("pure tip leaves B and C mirrored about A", func() {
			targets, err := k.StepTargets(Pose{Tip: 0.01})
			So(err, ShouldBeNil)
			So(targets[1], ShouldEqual, targets[2])
			So(targets[0], ShouldNotEqual, targets[1])
		})

		Convey("pure tilt splits B and C symmetrically", func() {
			targets, err := k.StepTargets(Pose{Tilt: 0.01})
			So(err, ShouldBeNil)
			So(targets[0], ShouldEqual, 0)
			So(targets[1], ShouldEqual, -targets[2])
		})

		Convey("identical poses always produce identical targets", func() {
			p := Pose{Tip: 0.003, Tilt: -0.002, Focus: 1234.5}
			first, err := k.StepTargets(p)
			So(err, ShouldBeNil)
			for i := 0; i < 10; i++ {
				again, err := k.StepTargets(p)
				So(err, ShouldBeNil)
				So(again, ShouldResemble, first)
			}
		})

		Convey("vertical tip is rejected", func() {
			_, err := k.StepTargets(Pose{Tip: Pi / 2})
			So(err, ShouldEqual, ErrPoseSingular)
		})

		Convey("absurd focus saturates instead of wrapping", func() {
			targets, err := k.StepTargets(Pose{Focus: 1e12})
			So(err, ShouldBeNil)
			So(targets[0], ShouldEqual, MaxInt32)
		})
	})
}

func TestFeedback(t *testing.T) {
	Convey("Feedback inverts the transform", t, func() {
		k := NewKinematics(DefaultCoefficients, StepsPerMicron)

		poses := []Pose{
			{},
			{Focus: 5000},
			{Tip: 0.01, Tilt: -0.02, Focus: 250},
			{Tip: -0.04, Tilt: 0.03, Focus: -9000},
		}

		for _, p := range poses {
			targets, err := k.StepTargets(p)
			So(err, ShouldBeNil)

			got := k.Feedback(targets)
			// recovery is exact up to the step quantisation
			So(got.Focus, ShouldAlmostEqual, p.Focus, 1.0)
			So(got.Tip, ShouldAlmostEqual, p.Tip, 1e-3)
			So(got.Tilt, ShouldAlmostEqual, p.Tilt, 1e-3)
		}
	})
}

func BenchmarkStepTargets(b *testing.B) {
	k := NewKinematics(DefaultCoefficients, StepsPerMicron)
	p := Pose{Tip: 0.01, Tilt: -0.02, Focus: 5000}

	for n := 0; n < b.N; n++ {
		k.StepTargets(p)
	}
}
