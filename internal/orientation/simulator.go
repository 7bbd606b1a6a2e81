// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

const (
	simTemperatureC = 21.5
	simFieldUT      = 48.0 // µT
	simDip          = 60.0 // degrees
)

// Simulator is a Source with no hardware behind it. By default the pose
// drifts smoothly over time; SetPose pins it.
type Simulator struct {
	bus   *event.Bus
	clock timeutil.Clock
	start time.Time

	mu         sync.Mutex
	fixed      bool
	pose       Pose
	failNext   int
	calibrated bool
	cal        Calibration
}

// NewSimulator creates a simulator whose smooth motion is driven by clock.
func NewSimulator(bus *event.Bus, clock timeutil.Clock) *Simulator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Simulator{bus: bus, clock: clock, start: clock.Now(), cal: DefaultCalibration()}
}

// SetPose fixes the reported pose.
func (s *Simulator) SetPose(p Pose) {
	s.mu.Lock()
	s.fixed, s.pose = true, p
	s.mu.Unlock()
}

// FailNext makes the next n reads return ErrUnavailable.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *Simulator) read(what string) (Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return Pose{}, fmt.Errorf("%w: simulated %s fault", ErrUnavailable, what)
	}
	if s.fixed {
		return s.pose, nil
	}
	elapsed := s.clock.Since(s.start).Seconds()
	return Pose{
		Roll:  20 * math.Sin(elapsed),
		Pitch: 15 * math.Cos(elapsed*0.7),
		Yaw:   math.Mod(elapsed*30, 360),
	}, nil
}

func (s *Simulator) EulerAngles() (Pose, error) {
	p, err := s.read("euler")
	if err != nil {
		s.bus.Post(event.OrientationSensor, err.Error(), event.Warning)
		return Pose{}, err
	}
	s.bus.PostValue(event.OrientationSensor,
		fmt.Sprintf("euler roll %.2f pitch %.2f yaw %.2f", p.Roll, p.Pitch, p.Yaw), p, event.Debug)
	return p, nil
}

func (s *Simulator) Calibrate() error {
	s.mu.Lock()
	s.calibrated = true
	s.mu.Unlock()
	s.bus.Post(event.OrientationSensor, "simulated sensor calibrated", event.Info)
	return nil
}

// CalibrationData returns the calibration last applied.
func (s *Simulator) CalibrationData() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal
}

// SetCalibration validates c before applying it.
func (s *Simulator) SetCalibration(c Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cal = c
	s.mu.Unlock()
	return nil
}

// Calibrated reports whether Calibrate has been called.
func (s *Simulator) Calibrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrated
}

func (s *Simulator) Temperature(units string) (float64, error) {
	if _, err := s.read("temperature"); err != nil {
		return 0, err
	}
	return ConvertTemperature(simTemperatureC, units), nil
}

// Accel returns gravity in g as seen by a sensor at the current pose.
func (s *Simulator) Accel() (Vector, error) {
	p, err := s.read("accel")
	if err != nil {
		return Vector{}, err
	}
	r, pi := rad(p.Roll), rad(p.Pitch)
	return Vector{
		X: -math.Sin(pi),
		Y: math.Sin(r) * math.Cos(pi),
		Z: math.Cos(r) * math.Cos(pi),
	}, nil
}

// Gyro reports a robot at rest.
func (s *Simulator) Gyro() (Vector, error) {
	if _, err := s.read("gyro"); err != nil {
		return Vector{}, err
	}
	return Vector{}, nil
}

// Magnetic returns the earth field rotated by the current heading.
func (s *Simulator) Magnetic() (Vector, error) {
	p, err := s.read("magnetic")
	if err != nil {
		return Vector{}, err
	}
	h := simFieldUT * math.Cos(rad(simDip))
	return Vector{
		X: h * math.Cos(rad(p.Yaw)),
		Y: -h * math.Sin(rad(p.Yaw)),
		Z: simFieldUT * math.Sin(rad(simDip)),
	}, nil
}

func (s *Simulator) GravityDirection() (GravityDir, error) {
	a, err := s.Accel()
	if err != nil {
		return GravityDir{}, err
	}
	d, _ := gravityFrom(a)
	return d, nil
}

func (s *Simulator) GravityMagnitude() (float64, error) {
	a, err := s.Accel()
	if err != nil {
		return 0, err
	}
	_, m := gravityFrom(a)
	return m, nil
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
