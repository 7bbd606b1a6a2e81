// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package config loads the robot configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/orientation"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration values.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Simulate selects the simulated motors, encoders and sensor.
	Simulate bool `yaml:"simulate"`

	PID         PID         `yaml:"pid"`
	Wheels      Wheels      `yaml:"wheels"`
	Timing      Timing      `yaml:"timing"`
	Encoder     Encoder     `yaml:"encoder"`
	Orientation Orientation `yaml:"orientation"`
	Manual      Manual      `yaml:"manual"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	Remote      Remote      `yaml:"remote"`
}

type PID struct {
	KProportional float64 `yaml:"k_proportional"`
	KIntegral     float64 `yaml:"k_integral"`
	KDerivative   float64 `yaml:"k_derivative"`
	// WindupRatio is the error/integral ratio at or above which the
	// integral keeps accumulating.
	WindupRatio float64 `yaml:"windup_ratio"`
	// TurnGain scales the yaw error into a differential wheel term.
	TurnGain float64 `yaml:"turn_gain"`
	// MaxConsecutiveFaults stops the loop after that many failed sensor
	// reads in a row. 0 means never.
	MaxConsecutiveFaults int `yaml:"max_consecutive_faults"`
}

type Wheel struct {
	MinOutput      float64 `yaml:"min_output"`
	MaxOutput      float64 `yaml:"max_output"`
	ForwardPin     string  `yaml:"forward_pin"`
	BackwardPin    string  `yaml:"backward_pin"`
	EncoderPin     string  `yaml:"encoder_pin"`
	PWMFrequencyHz int     `yaml:"pwm_frequency_hz"`
}

type Wheels struct {
	Left     Wheel  `yaml:"left"`
	Right    Wheel  `yaml:"right"`
	RelayPin string `yaml:"relay_pin"`
}

type Timing struct {
	ControlUpdateInterval time.Duration `yaml:"control_update_interval"`
	ParamsUpdateInterval  time.Duration `yaml:"params_update_interval"`
	LoopYield             time.Duration `yaml:"loop_yield"`
}

type Encoder struct {
	SlotsPerRevolution int           `yaml:"slots_per_revolution"`
	HalfSlot           bool          `yaml:"half_slot"`
	HistoryCapacity    int           `yaml:"history_capacity"`
	AverageDuration    time.Duration `yaml:"average_duration"`
	ModeSampleLimit    int           `yaml:"mode_sample_limit"`
	// Simulation only.
	SampleFrequencyHz       float64 `yaml:"sample_frequency_hz"`
	PositionChangePerOutput float64 `yaml:"position_change_per_output"`
}

type Orientation struct {
	AxisOrder       string `yaml:"axis_order"`
	SPIDevice       string `yaml:"spi_device"`
	CSPin           string `yaml:"cs_pin"`
	BMPSPIDevice    string `yaml:"bmp_spi_device"`
	AccelRange      int    `yaml:"accel_range"`
	GyroRange       int    `yaml:"gyro_range"`
	CalibrationFile string `yaml:"calibration_file"`
}

type Manual struct {
	Interval     time.Duration `yaml:"interval"`
	Duration     time.Duration `yaml:"duration"`
	TurnDeadZone float64       `yaml:"turn_dead_zone"`
}

type Telemetry struct {
	LogDir          string        `yaml:"log_dir"`
	ConsoleEvents   []string      `yaml:"console_events"`
	MQTTBroker      string        `yaml:"mqtt_broker"`
	MQTTClientID    string        `yaml:"mqtt_client_id"`
	MQTTTopicPrefix string        `yaml:"mqtt_topic_prefix"`
	DisplayI2CBus   string        `yaml:"display_i2c_bus"`
	DisplayRefresh  time.Duration `yaml:"display_refresh"`
	HistoryDir      string        `yaml:"history_dir"`
}

type Remote struct {
	ListenAddr string `yaml:"listen_addr"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   uint   `yaml:"baud_rate"`
	MQTTTopic  string `yaml:"mqtt_topic"`
}

// Default returns a configuration that runs the simulated robot.
func Default() *Config {
	wheel := func(fwd, bwd, enc string) Wheel {
		return Wheel{MinOutput: -1, MaxOutput: 1, ForwardPin: fwd, BackwardPin: bwd, EncoderPin: enc, PWMFrequencyHz: 100}
	}
	return &Config{
		LogLevel: "info",
		Simulate: true,
		PID: PID{
			KProportional: 0.05,
			KIntegral:     0.001,
			KDerivative:   0.01,
			WindupRatio:   1,
		},
		Wheels: Wheels{
			Left:     wheel("GPIO12", "GPIO13", "GPIO17"),
			Right:    wheel("GPIO18", "GPIO19", "GPIO27"),
			RelayPin: "GPIO26",
		},
		Timing: Timing{
			ControlUpdateInterval: 20 * time.Millisecond,
			ParamsUpdateInterval:  5 * time.Second,
			LoopYield:             time.Millisecond,
		},
		Encoder: Encoder{
			SlotsPerRevolution:      20,
			HalfSlot:                true,
			HistoryCapacity:         10_000,
			AverageDuration:         time.Second,
			ModeSampleLimit:         200,
			SampleFrequencyHz:       100,
			PositionChangePerOutput: 2,
		},
		Orientation: Orientation{
			AxisOrder:       orientation.DefaultAxisOrder.String(),
			SPIDevice:       "/dev/spidev0.0",
			CSPin:           "GPIO8",
			CalibrationFile: "configs/imu_calibration.yaml",
		},
		Manual: Manual{
			Interval:     50 * time.Millisecond,
			TurnDeadZone: 0.2,
		},
		Telemetry: Telemetry{
			LogDir:          "logs",
			ConsoleEvents:   []string{"balance", "manual control", "power", "log_event", "config"},
			MQTTClientID:    "balance_bot",
			MQTTTopicPrefix: "balance_bot",
			DisplayRefresh:  500 * time.Millisecond,
			HistoryDir:      "logs",
		},
		Remote: Remote{
			ListenAddr: ":8080",
			BaudRate:   115200,
			MQTTTopic:  "balance_bot/remote",
		},
	}
}

// Load reads the configuration file over the defaults and validates it.
// Keys the file leaves out keep their default value; unknown keys are an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	for _, k := range []struct {
		name string
		v    float64
	}{
		{"pid.k_proportional", c.PID.KProportional},
		{"pid.k_integral", c.PID.KIntegral},
		{"pid.k_derivative", c.PID.KDerivative},
		{"pid.turn_gain", c.PID.TurnGain},
	} {
		if !finite(k.v) {
			bad(k.name, "must be finite")
		}
	}
	if !finite(c.PID.WindupRatio) || c.PID.WindupRatio <= 0 {
		bad("pid.windup_ratio", "must be > 0, got %g", c.PID.WindupRatio)
	}
	if c.PID.MaxConsecutiveFaults < 0 {
		bad("pid.max_consecutive_faults", "must be >= 0")
	}

	for name, w := range map[string]Wheel{"wheels.left": c.Wheels.Left, "wheels.right": c.Wheels.Right} {
		if w.MinOutput < -1 || w.MaxOutput > 1 || w.MinOutput > w.MaxOutput || !finite(w.MinOutput) || !finite(w.MaxOutput) {
			bad(name, "output bounds [%g, %g] must satisfy -1 <= min <= max <= 1", w.MinOutput, w.MaxOutput)
		}
		if w.PWMFrequencyHz < 0 {
			bad(name+".pwm_frequency_hz", "must be >= 0")
		}
		if !c.Simulate && (w.ForwardPin == "" || w.BackwardPin == "" || w.EncoderPin == "") {
			bad(name, "pins are required on hardware")
		}
	}

	if c.Timing.ControlUpdateInterval <= 0 {
		bad("timing.control_update_interval", "must be > 0")
	}
	if c.Timing.ParamsUpdateInterval <= 0 {
		bad("timing.params_update_interval", "must be > 0")
	}
	if c.Timing.LoopYield <= 0 || c.Timing.LoopYield > c.Timing.ControlUpdateInterval {
		bad("timing.loop_yield", "must be in (0, control_update_interval]")
	}

	if c.Encoder.SlotsPerRevolution <= 0 {
		bad("encoder.slots_per_revolution", "must be > 0")
	}
	if c.Encoder.HistoryCapacity < 4 {
		bad("encoder.history_capacity", "must be >= 4")
	}
	if c.Encoder.AverageDuration < 0 {
		bad("encoder.average_duration", "must be >= 0")
	}
	if c.Encoder.ModeSampleLimit < 3 {
		bad("encoder.mode_sample_limit", "must be >= 3")
	}
	if c.Encoder.SampleFrequencyHz <= 0 {
		bad("encoder.sample_frequency_hz", "must be > 0")
	}
	if c.Encoder.PositionChangePerOutput <= 0 {
		bad("encoder.position_change_per_output", "must be > 0")
	}

	if _, err := orientation.ParseAxisOrder(c.Orientation.AxisOrder); err != nil {
		bad("orientation.axis_order", "%v", err)
	}
	if c.Orientation.AccelRange < 0 || c.Orientation.AccelRange > 3 {
		bad("orientation.accel_range", "must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", c.Orientation.AccelRange)
	}
	if c.Orientation.GyroRange < 0 || c.Orientation.GyroRange > 3 {
		bad("orientation.gyro_range", "must be 0-3 (0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s), got %d", c.Orientation.GyroRange)
	}
	if !c.Simulate && (c.Orientation.SPIDevice == "" || c.Orientation.CSPin == "") {
		bad("orientation", "spi_device and cs_pin are required on hardware")
	}

	if c.Manual.Interval <= 0 {
		bad("manual.interval", "must be > 0")
	}
	if c.Manual.Duration < 0 {
		bad("manual.duration", "must be >= 0")
	}
	if c.Manual.TurnDeadZone < 0 || c.Manual.TurnDeadZone >= 1 {
		bad("manual.turn_dead_zone", "must be in [0, 1)")
	}

	if _, err := event.ParseTypes(c.Telemetry.ConsoleEvents); err != nil {
		bad("telemetry.console_events", "%v", err)
	}
	if c.Telemetry.DisplayRefresh <= 0 {
		bad("telemetry.display_refresh", "must be > 0")
	}

	return errors.Join(errs...)
}

// AxisOrder returns the parsed orientation.axis_order.
func (c *Config) AxisOrder() orientation.AxisOrder {
	o, err := orientation.ParseAxisOrder(c.Orientation.AxisOrder)
	if err != nil {
		return orientation.DefaultAxisOrder
	}
	return o
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
