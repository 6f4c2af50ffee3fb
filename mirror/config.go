package mirror

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/astroworks/gopmc/mirror/stepper"
	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v2"
)

// Config is the device description loaded from the mirror YAML file.
type Config struct {
	// Driver selects the bank implementation: sim, gpio or serial.
	Driver string `yaml:"driver"`

	PeriodMS     int       `yaml:"period_ms"`
	Coefficients []float64 `yaml:"coefficients,flow"`

	MaxTipMrad      float64 `yaml:"max_tip_mrad"`
	MaxTiltMrad     float64 `yaml:"max_tilt_mrad"`
	MaxStrokeMicron float64 `yaml:"max_stroke_micron"`

	MaxSPS            float64 `yaml:"max_sps"`
	HomingBudgetSteps int32   `yaml:"homing_budget_steps"`
	BackoffMicron     float64 `yaml:"backoff_micron"`

	GPIO   stepper.GPIOConfig   `yaml:"gpio"`
	Serial stepper.SerialConfig `yaml:"serial"`
	FanPin uint8                `yaml:"fan_pin"`

	// SimFloorSteps places the simulated mechanical stop.
	SimFloorSteps int64 `yaml:"sim_floor_steps"`
}

func LoadConfig(filename string) (config Config, err error) {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("unable to read config file: %w", err)
	}

	if err = yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	config.ApplyDefaults()
	return config, nil
}

// ApplyDefaults fills zero values with the as-built prototype numbers.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sim"
	}
	if c.PeriodMS <= 0 {
		c.PeriodMS = 5
	}
	if len(c.Coefficients) != 3 {
		// fresh slice each time; callers may edit their copy in place
		c.Coefficients = []float64{DefaultCoefficients[0], DefaultCoefficients[1], DefaultCoefficients[2]}
	}
	if c.MaxTipMrad <= 0 {
		c.MaxTipMrad = 50
	}
	if c.MaxTiltMrad <= 0 {
		c.MaxTiltMrad = 50
	}
	if c.MaxStrokeMicron <= 0 {
		c.MaxStrokeMicron = 10000
	}
	if c.MaxSPS <= 0 {
		c.MaxSPS = 4000
	}
	if c.HomingBudgetSteps <= 0 {
		// full stroke both ways plus margin
		c.HomingBudgetSteps = int32(2.2 * c.MaxStrokeMicron * StepsPerMicron)
	}
	if c.BackoffMicron <= 0 {
		c.BackoffMicron = 1000
	}
	if c.SimFloorSteps == 0 {
		c.SimFloorSteps = -int64(c.MaxStrokeMicron * StepsPerMicron)
	}
}

func (c *Config) Period() time.Duration {
	return time.Duration(c.PeriodMS) * time.Millisecond
}

func (c *Config) CoefficientVec() mgl64.Vec3 {
	return mgl64.Vec3{c.Coefficients[0], c.Coefficients[1], c.Coefficients[2]}
}
