// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package orientation provides the robot's attitude from a 9-DOF sensor or
// from a simulator.
package orientation

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrUnavailable marks a reading that could not be taken. Callers may
	// keep using the previous value.
	ErrUnavailable = errors.New("orientation: reading unavailable")
	// ErrInvalidCalibration is returned when calibration data fails
	// validation and was not applied or written.
	ErrInvalidCalibration = errors.New("orientation: invalid calibration")
)

// Pose is the robot attitude in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Vector is a three axis reading.
type Vector struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Norm returns the vector length.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector) finite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// GravityDir is the direction of gravity as angles (degrees) of its
// projections on the XY and XZ planes.
type GravityDir struct {
	XY float64 `json:"xy"`
	XZ float64 `json:"xz"`
}

// Source is anything that can report the robot's orientation.
// Reads that cannot be taken return an error wrapping ErrUnavailable.
type Source interface {
	EulerAngles() (Pose, error)
	Calibrate() error
	Temperature(units string) (float64, error)
	Accel() (Vector, error)
	Gyro() (Vector, error)
	Magnetic() (Vector, error)
	GravityDirection() (GravityDir, error)
	GravityMagnitude() (float64, error)
}

// Calibrator is a Source whose calibration can be read back and replaced.
type Calibrator interface {
	CalibrationData() Calibration
	SetCalibration(c Calibration) error
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is 0.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
	}
}

// FusePose blends the gyro-integrated previous pose with the accelerometer
// tilt. alpha weights the gyro path (typically 0.95 to 0.98). Yaw has no
// absolute reference and is integrated from the gyro alone.
// gyro is in degrees per second, dt in seconds.
func FusePose(prev, tilt Pose, gyro Vector, dt, alpha float64) Pose {
	if dt <= 0 {
		return Pose{Roll: tilt.Roll, Pitch: tilt.Pitch, Yaw: prev.Yaw}
	}
	return Pose{
		Roll:  alpha*(prev.Roll+gyro.X*dt) + (1-alpha)*tilt.Roll,
		Pitch: alpha*(prev.Pitch+gyro.Y*dt) + (1-alpha)*tilt.Pitch,
		Yaw:   wrapDegrees(prev.Yaw + gyro.Z*dt),
	}
}

func wrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// gravityFrom derives direction and magnitude from an accelerometer vector.
func gravityFrom(a Vector) (GravityDir, float64) {
	return GravityDir{
		XY: math.Atan2(a.Y, a.X) * 180 / math.Pi,
		XZ: math.Atan2(a.Z, a.X) * 180 / math.Pi,
	}, a.Norm()
}

// ConvertTemperature converts a Celsius reading into the requested units.
// Any spelling of Fahrenheit selects °F; everything else is Celsius.
func ConvertTemperature(celsius float64, units string) float64 {
	if isFahrenheit(units) {
		return celsius*9/5 + 32
	}
	return celsius
}

func isFahrenheit(units string) bool {
	u := strings.ToLower(strings.TrimSpace(units))
	u = strings.TrimPrefix(u, "degrees ")
	u = strings.TrimPrefix(u, "deg ")
	u = strings.TrimPrefix(u, "°")
	return u == "f" || u == "fahrenheit"
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
