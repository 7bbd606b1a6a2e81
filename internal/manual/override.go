// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package manual drives the wheels directly from a remote control.
package manual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/motion"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

const (
	DefaultInterval = 50 * time.Millisecond
	DefaultDeadZone = 0.2
)

// ErrNoPosition means the source has nothing to report right now. The
// override treats it as neutral.
var ErrNoPosition = errors.New("manual: no position available")

// PositionSource reports (forward, turn), each in [-1, 1].
type PositionSource interface {
	Start() error
	Position() (forward, turn float64, err error)
	Stop() error
}

// Odometer is sampled once per poll so its readings reach the event bus.
type Odometer interface {
	Distance() float64
	Jerk() float64
}

type Options struct {
	Interval time.Duration
	// Duration of 0 runs until the context is done.
	Duration time.Duration
	// |turn| below DeadZone is treated as 0.
	DeadZone  float64
	Odometers []Odometer
}

// Override polls a PositionSource and writes the mixed outputs to the
// wheels.
type Override struct {
	source      PositionSource
	left, right motion.Source
	bus         *event.Bus
	clock       timeutil.Clock
	opts        Options
}

func New(source PositionSource, left, right motion.Source, bus *event.Bus, clock timeutil.Clock, opts Options) *Override {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DeadZone < 0 {
		opts.DeadZone = 0
	}
	return &Override{source: source, left: left, right: right, bus: bus, clock: clock, opts: opts}
}

// Mix converts (forward, turn) into wheel outputs.
func Mix(forward, turn, deadZone float64) (left, right float64) {
	if math.IsNaN(forward) {
		forward = 0
	}
	if math.IsNaN(turn) || math.Abs(turn) < deadZone {
		turn = 0
	}
	return motion.Clamp(forward + turn), motion.Clamp(forward - turn)
}

// Run polls until the duration elapses or ctx is done. The source is
// always stopped and both wheels zeroed on return.
func (o *Override) Run(ctx context.Context) (err error) {
	if err := o.source.Start(); err != nil {
		return fmt.Errorf("manual: start position source: %w", err)
	}
	o.bus.Post(event.Manual, fmt.Sprintf("manual control started for %v", o.opts.Duration), event.Info)

	defer func() {
		motion.StopAll(o.left, o.right)
		if stopErr := o.source.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("manual: stop position source: %w", stopErr))
		}
		o.bus.Post(event.Manual, "manual control ended", event.Info)
	}()

	start := o.clock.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if o.opts.Duration > 0 && o.clock.Since(start) >= o.opts.Duration {
			return nil
		}
		o.poll()
		o.clock.Sleep(o.opts.Interval)
	}
}

func (o *Override) poll() {
	forward, turn, err := o.source.Position()
	if err != nil {
		if !errors.Is(err, ErrNoPosition) {
			o.bus.Post(event.Manual, "position read failed: "+err.Error(), event.Warning)
		}
		forward, turn = 0, 0
	}

	left, right := Mix(forward, turn, o.opts.DeadZone)
	o.left.SetValue(left)
	o.right.SetValue(right)
	o.bus.PostValue(event.Manual,
		fmt.Sprintf("Direction: forward: %.2f, turn: %.2f", forward, turn),
		[2]float64{left, right}, event.Debug)

	for _, odo := range o.opts.Odometers {
		odo.Distance()
		odo.Jerk()
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
