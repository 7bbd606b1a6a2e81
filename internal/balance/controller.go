// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package balance keeps the robot upright with a PID loop on pitch.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/motion"
	"github.com/relabs-tech/balance_bot/internal/orientation"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

var (
	// ErrRunning is returned by Run when the loop is already active.
	ErrRunning = errors.New("balance: controller already running")
	// ErrSensorLost is returned by Run after too many failed reads in a row.
	ErrSensorLost = errors.New("balance: orientation sensor lost")
)

// State is a snapshot of the controller.
type State struct {
	PitchSetpoint float64
	RollSetpoint  float64
	YawSetpoint   float64

	// Pose is the last good reading; it is reused when a read fails.
	Pose      orientation.Pose
	PitchLast float64
	Integral  float64

	LeftOutput  float64
	RightOutput float64

	LastTick    time.Time
	LastRefresh time.Time

	GoodReads         int
	BadReads          int
	ConsecutiveFaults int

	Params Params
}

// Controller drives both wheels from the orientation sensor.
type Controller struct {
	orient      orientation.Source
	left, right motion.Source
	params      ParamSource
	bus         *event.Bus
	clock       timeutil.Clock

	mu    sync.Mutex
	state State

	running atomic.Bool
}

// New returns an inactive controller. The first parameter read must
// succeed.
func New(orient orientation.Source, left, right motion.Source, params ParamSource, bus *event.Bus, clock timeutil.Clock) (*Controller, error) {
	if orient == nil || left == nil || right == nil || params == nil {
		return nil, errors.New("balance: orientation, both motors and params are required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p, err := params.Params()
	if err != nil {
		return nil, fmt.Errorf("balance: initial params: %w", err)
	}
	return &Controller{
		orient: orient,
		left:   left,
		right:  right,
		params: params,
		bus:    bus,
		clock:  clock,
		state:  State{Params: p},
	}, nil
}

// Running reports whether Run is active.
func (c *Controller) Running() bool { return c.running.Load() }

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetSetpoint changes the target pitch (degrees) and yaw command.
func (c *Controller) SetSetpoint(pitch, yaw float64) {
	c.mu.Lock()
	c.state.PitchSetpoint = pitch
	c.state.YawSetpoint = yaw
	c.mu.Unlock()
}

// Run loops until ctx is done or the sensor is lost. Both motors are
// stopped on return.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)
	defer motion.StopAll(c.left, c.right)

	c.start(c.clock.Now())
	c.bus.Post(event.Balance, "balance loop started", event.Info)

	for {
		select {
		case <-ctx.Done():
			c.bus.Post(event.Balance, "balance loop stopped", event.Info)
			return nil
		default:
		}

		if err := c.Step(c.clock.Now()); err != nil {
			c.bus.Post(event.Balance, err.Error(), event.Error)
			return err
		}

		c.mu.Lock()
		yield := c.state.Params.Yield
		c.mu.Unlock()
		c.clock.Sleep(yield)
	}
}

// start recreates the state, keeping setpoints and params.
func (c *Controller) start(now time.Time) {
	pose, err := c.orient.EulerAngles()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{
		PitchSetpoint: c.state.PitchSetpoint,
		RollSetpoint:  c.state.RollSetpoint,
		YawSetpoint:   c.state.YawSetpoint,
		LastRefresh:   now,
		Params:        c.state.Params,
	}
	if err == nil {
		c.state.Pose = pose
		c.state.PitchLast = pose.Pitch
	}
}

// Step runs one loop iteration: a control tick and a parameter refresh
// when each is due.
func (c *Controller) Step(now time.Time) error {
	c.mu.Lock()
	p := c.state.Params
	tickDue := c.state.LastTick.IsZero() || now.Sub(c.state.LastTick) >= p.ControlInterval
	refreshDue := now.Sub(c.state.LastRefresh) >= p.ParamsInterval
	c.mu.Unlock()

	if tickDue {
		if err := c.Tick(now); err != nil {
			return err
		}
	}
	if refreshDue {
		c.refresh(now)
	}
	return nil
}

// Tick reads the sensor and writes both motors.
func (c *Controller) Tick(now time.Time) error {
	pose, readErr := c.orient.EulerAngles()

	c.mu.Lock()
	s := &c.state
	p := s.Params
	if readErr != nil {
		s.BadReads++
		s.ConsecutiveFaults++
		if p.MaxConsecutiveFaults > 0 && s.ConsecutiveFaults >= p.MaxConsecutiveFaults {
			n := s.ConsecutiveFaults
			c.mu.Unlock()
			motion.StopAll(c.left, c.right)
			return fmt.Errorf("%w after %d failed reads: %w", ErrSensorLost, n, readErr)
		}
		pose = s.Pose
	} else {
		s.GoodReads++
		s.ConsecutiveFaults = 0
		s.Pose = pose
	}

	pitch := pose.Pitch
	e := pitch - s.PitchSetpoint
	s.Integral = integrate(s.Integral, e, p.KIntegral, p.WindupRatio)
	derivative := p.KDerivative * (pitch - s.PitchLast)
	proportional := p.KProportional * e
	output := proportional + s.Integral + derivative

	turn := p.TurnGain * s.YawSetpoint
	left := p.Left.Clamp(output + turn)
	right := p.Right.Clamp(output - turn)

	s.LeftOutput, s.RightOutput = left, right
	s.PitchLast = pitch
	s.LastTick = now
	integral := s.Integral
	c.mu.Unlock()

	c.left.SetValue(left)
	c.right.SetValue(right)

	if readErr != nil {
		c.bus.Post(event.OrientationSensor, "euler read failed, reusing last pose: "+readErr.Error(), event.Warning)
	}
	c.bus.PostValue(event.Balance,
		fmt.Sprintf("pitch %.3f error %.3f integral %.4f output L %.3f R %.3f", pitch, e, integral, left, right),
		[2]float64{left, right}, event.Debug)
	return nil
}

// integrate updates the integral term. It accumulates while the error
// keeps pace with the integral in the same direction and restarts from
// the current contribution otherwise.
func integrate(integral, e, ki, windupRatio float64) float64 {
	contribution := ki * e
	if integral == 0 || e/integral >= windupRatio {
		integral += contribution
	} else {
		integral = contribution
	}
	if math.IsNaN(integral) || math.IsInf(integral, 0) {
		return 0
	}
	return integral
}

func (c *Controller) refresh(now time.Time) {
	p, err := c.params.Params()

	c.mu.Lock()
	c.state.LastRefresh = now
	if err == nil {
		c.state.Params = p
	}
	good, bad := c.state.GoodReads, c.state.BadReads
	c.mu.Unlock()

	if err != nil {
		c.bus.Post(event.Config, "parameter refresh failed, keeping previous: "+err.Error(), event.Warning)
	} else {
		c.bus.Post(event.Config, "balance parameters refreshed", event.Debug)
	}
	c.bus.Post(event.OrientationSensor, fmt.Sprintf("Good Eulers: %8d, Bad Eulers: %8d", good, bad), event.Info)
}
