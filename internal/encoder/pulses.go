// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package encoder

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// PulseSource delivers one callback per detected slot edge.
type PulseSource interface {
	// Arm starts edge detection. onEdge is called from the source's own
	// goroutine with the time of the edge.
	Arm(onEdge func(t time.Time)) error
	// Disarm stops edge detection. It is safe to call when not armed.
	Disarm() error
	Close() error
}

var errArmed = errors.New("encoder: pulse source already armed")

// DefaultEdgeTimeout bounds how long the edge loop blocks before checking
// for a disarm request.
const DefaultEdgeTimeout = 100 * time.Millisecond

// GPIOPulses reads a slotted line sensor on a GPIO input.
type GPIOPulses struct {
	pin     gpio.PinIn
	timeout time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// OpenGPIOPulses initializes the periph host and resolves pinName.
func OpenGPIOPulses(pinName string) (*GPIOPulses, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("encoder: periph host init: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("encoder: sensor pin %q not found", pinName)
	}
	return NewGPIOPulses(p, DefaultEdgeTimeout), nil
}

func NewGPIOPulses(pin gpio.PinIn, timeout time.Duration) *GPIOPulses {
	if timeout <= 0 {
		timeout = DefaultEdgeTimeout
	}
	return &GPIOPulses{pin: pin, timeout: timeout}
}

// Arm configures the pin with a pull-up and both-edge detection, then
// waits for edges on a goroutine.
func (g *GPIOPulses) Arm(onEdge func(time.Time)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return errArmed
	}
	if err := g.pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("encoder: pin %s edge setup: %w", g.pin.Name(), err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.stop, g.done = stop, done

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if g.pin.WaitForEdge(g.timeout) {
				onEdge(time.Now())
			}
		}
	}()
	return nil
}

func (g *GPIOPulses) Disarm() error {
	g.mu.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	if err := g.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("encoder: pin %s disable edges: %w", g.pin.Name(), err)
	}
	return nil
}

func (g *GPIOPulses) Close() error {
	return errors.Join(g.Disarm(), g.pin.Halt())
}

// Driver is the motor whose output the simulated wheel follows.
type Driver interface {
	Value() float64
}

// SimulatedPulses turns a motor's output into edges as if the wheel were
// free running: travel per second is |output| times RevsPerOutput.
type SimulatedPulses struct {
	driver        Driver
	pulseWidth    float64 // revolutions per edge
	revsPerOutput float64
	period        time.Duration
	clock         timeutil.Clock

	mu      sync.Mutex
	onEdge  func(time.Time)
	last    time.Time
	travel  float64
	stop    chan struct{}
	done    chan struct{}
	edgeCnt int
}

// SimOptions configures SimulatedPulses.
type SimOptions struct {
	PulseWidth      float64 // revolutions between edges
	RevsPerOutput   float64 // revolutions per second at output 1
	SampleFrequency float64 // Hz
	Clock           timeutil.Clock
}

func NewSimulatedPulses(driver Driver, opts SimOptions) *SimulatedPulses {
	if opts.SampleFrequency <= 0 {
		opts.SampleFrequency = 100
	}
	if opts.PulseWidth <= 0 {
		opts.PulseWidth = 1.0 / 40
	}
	if opts.RevsPerOutput <= 0 {
		opts.RevsPerOutput = 2
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &SimulatedPulses{
		driver:        driver,
		pulseWidth:    opts.PulseWidth,
		revsPerOutput: opts.RevsPerOutput,
		period:        time.Duration(float64(time.Second) / opts.SampleFrequency),
		clock:         opts.Clock,
	}
}

// Arm starts the sampling goroutine. Edges may also be produced
// synchronously with Poll.
func (s *SimulatedPulses) Arm(onEdge func(time.Time)) error {
	s.mu.Lock()
	if s.onEdge != nil {
		s.mu.Unlock()
		return errArmed
	}
	s.onEdge = onEdge
	s.last = s.clock.Now()
	s.travel = 0
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case now := <-s.clock.After(s.period):
				s.Poll(now)
			}
		}
	}()
	return nil
}

// Poll advances the simulation to now and emits every edge passed on the
// way. Edge times are interpolated so they are strictly increasing.
func (s *SimulatedPulses) Poll(now time.Time) int {
	s.mu.Lock()
	onEdge := s.onEdge
	if onEdge == nil || !now.After(s.last) {
		s.mu.Unlock()
		return 0
	}
	rate := math.Abs(s.driver.Value()) * s.revsPerOutput // rev/s
	dt := now.Sub(s.last).Seconds()
	start := s.last
	before := s.travel
	s.travel += rate * dt
	s.last = now

	var edges []time.Time
	for s.travel >= s.pulseWidth {
		crossed := s.pulseWidth - before
		offset := time.Duration(crossed / rate * float64(time.Second))
		if offset <= 0 {
			offset = time.Nanosecond
		}
		t := start.Add(offset)
		if len(edges) > 0 && !t.After(edges[len(edges)-1]) {
			t = edges[len(edges)-1].Add(time.Nanosecond)
		}
		edges = append(edges, t)
		start, before = t, 0
		s.travel -= s.pulseWidth
	}
	s.edgeCnt += len(edges)
	s.mu.Unlock()

	for _, t := range edges {
		onEdge(t)
	}
	return len(edges)
}

// Edges returns how many edges have been emitted since construction.
func (s *SimulatedPulses) Edges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgeCnt
}

func (s *SimulatedPulses) Disarm() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done, s.onEdge = nil, nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *SimulatedPulses) Close() error {
	return s.Disarm()
}
