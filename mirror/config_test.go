package mirror

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v2"
)

func TestConfig(t *testing.T) {
	Convey("Device config parses from yaml", t, func() {
		raw := `
driver: serial
period_ms: 10
coefficients: [281.3, -140.6, 243.6]
max_tip_mrad: 40
max_stroke_micron: 8000
serial:
  port: /dev/ttyACM0
  baud: 115200
fan_pin: 18
`
		var config Config
		So(yaml.Unmarshal([]byte(raw), &config), ShouldBeNil)
		config.ApplyDefaults()

		So(config.Driver, ShouldEqual, "serial")
		So(config.Period(), ShouldEqual, 10*time.Millisecond)
		So(config.CoefficientVec(), ShouldResemble, DefaultCoefficients)
		So(config.MaxTipMrad, ShouldEqual, 40)
		So(config.MaxStrokeMicron, ShouldEqual, 8000)
		So(config.Serial.Port, ShouldEqual, "/dev/ttyACM0")
		So(config.FanPin, ShouldEqual, 18)

		Convey("unset fields pick up defaults", func() {
			So(config.MaxTiltMrad, ShouldEqual, 50)
			So(config.MaxSPS, ShouldEqual, 4000)
			So(config.BackoffMicron, ShouldEqual, 1000)
			So(config.HomingBudgetSteps, ShouldBeGreaterThan, 0)
		})
	})

	Convey("A zero config is fully defaulted", t, func() {
		var config Config
		config.ApplyDefaults()

		So(config.Driver, ShouldEqual, "sim")
		So(config.PeriodMS, ShouldEqual, 5)
		So(config.CoefficientVec(), ShouldResemble, DefaultCoefficients)
		So(config.SimFloorSteps, ShouldBeLessThan, 0)

		// budget must cover the full stroke both ways
		So(float64(config.HomingBudgetSteps), ShouldBeGreaterThan,
			2*config.MaxStrokeMicron*StepsPerMicron)
	})

	Convey("Defaulted coefficients are a private copy", t, func() {
		var first Config
		first.ApplyDefaults()
		first.Coefficients[0] = 999

		var second Config
		second.ApplyDefaults()

		So(second.Coefficients[0], ShouldEqual, DefaultCoefficients[0])
		So(DefaultCoefficients[0], ShouldEqual, 281.3)
	})

	Convey("Missing files are reported", t, func() {
		_, err := LoadConfig("/does/not/exist.yaml")
		So(err, ShouldNotBeNil)
	})
}
