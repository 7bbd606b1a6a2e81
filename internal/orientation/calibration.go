// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Sensor limits a calibration must fall within.
const (
	maxAccelOffset  = 16.0   // g, widest accelerometer range
	maxAccelRadius  = 16.0   // g
	maxMagnetOffset = 4912.0 // µT, magnetometer full scale
	maxMagnetRadius = 4912.0
	maxGyroOffset   = 2000.0 // °/s, widest gyro range
)

// AccelCalibration is the accelerometer bias and the measured length of
// gravity.
type AccelCalibration struct {
	Offset Vector  `yaml:"offset"`
	Radius float64 `yaml:"radius"`
}

type MagnetCalibration struct {
	Offset Vector  `yaml:"offset"`
	Radius float64 `yaml:"radius"`
}

type GyroCalibration struct {
	Offset Vector `yaml:"offset"`
}

// Calibration is the persisted sensor calibration record.
type Calibration struct {
	Accel  AccelCalibration  `yaml:"accel"`
	Magnet MagnetCalibration `yaml:"magnet"`
	Gyro   GyroCalibration   `yaml:"gyro"`
}

// DefaultCalibration is an uncalibrated sensor: no offsets, unit radii.
func DefaultCalibration() Calibration {
	return Calibration{
		Accel:  AccelCalibration{Radius: 1},
		Magnet: MagnetCalibration{Radius: 1},
	}
}

// Validate checks every value is finite, radii are positive and offsets
// are within sensor range. Failures wrap ErrInvalidCalibration.
func (c Calibration) Validate() error {
	check := func(name string, v Vector, limit float64) error {
		if !v.finite() {
			return fmt.Errorf("%w: %s offset not finite", ErrInvalidCalibration, name)
		}
		if abs(v.X) > limit || abs(v.Y) > limit || abs(v.Z) > limit {
			return fmt.Errorf("%w: %s offset %+v outside ±%g", ErrInvalidCalibration, name, v, limit)
		}
		return nil
	}
	radius := func(name string, r, limit float64) error {
		if !isFinite(r) || r <= 0 || r > limit {
			return fmt.Errorf("%w: %s radius %g must be in (0, %g]", ErrInvalidCalibration, name, r, limit)
		}
		return nil
	}

	if err := check("accel", c.Accel.Offset, maxAccelOffset); err != nil {
		return err
	}
	if err := radius("accel", c.Accel.Radius, maxAccelRadius); err != nil {
		return err
	}
	if err := check("magnet", c.Magnet.Offset, maxMagnetOffset); err != nil {
		return err
	}
	if err := radius("magnet", c.Magnet.Radius, maxMagnetRadius); err != nil {
		return err
	}
	return check("gyro", c.Gyro.Offset, maxGyroOffset)
}

// SaveCalibration validates c and writes it to path. Invalid data is
// refused and nothing is written.
func SaveCalibration(path string, c Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("orientation: encode calibration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("orientation: calibration dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("orientation: write calibration: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("orientation: write calibration: %w", err)
	}
	return nil
}

// LoadCalibration reads and validates a calibration file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("orientation: read calibration: %w", err)
	}
	var c Calibration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Calibration{}, fmt.Errorf("%w: %v", ErrInvalidCalibration, err)
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
