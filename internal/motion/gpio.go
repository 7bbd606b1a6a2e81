// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"fmt"
	"math"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// DefaultPWMFrequency matches the H-bridge boards used on the robot.
const DefaultPWMFrequency = 100 * physic.Hertz

// GPIOMotor drives an H-bridge through a forward and a backward pin.
// The active pin is PWM driven with a duty proportional to |value|.
type GPIOMotor struct {
	name     string
	forward  gpio.PinIO
	backward gpio.PinIO
	freq     physic.Frequency
	bus      *event.Bus

	mu    sync.Mutex
	value float64
}

// OpenGPIOMotor initializes the periph host and resolves the named pins.
func OpenGPIOMotor(name, forwardPin, backwardPin string, freq physic.Frequency, bus *event.Bus) (*GPIOMotor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("motion: periph host init: %w", err)
	}
	fwd := gpioreg.ByName(forwardPin)
	if fwd == nil {
		return nil, fmt.Errorf("motion: %s motor forward pin %q not found", name, forwardPin)
	}
	bwd := gpioreg.ByName(backwardPin)
	if bwd == nil {
		return nil, fmt.Errorf("motion: %s motor backward pin %q not found", name, backwardPin)
	}
	return NewGPIOMotor(name, fwd, bwd, freq, bus)
}

// NewGPIOMotor wraps already resolved pins. Both pins are driven low.
func NewGPIOMotor(name string, forward, backward gpio.PinIO, freq physic.Frequency, bus *event.Bus) (*GPIOMotor, error) {
	if freq <= 0 {
		freq = DefaultPWMFrequency
	}
	m := &GPIOMotor{name: name, forward: forward, backward: backward, freq: freq, bus: bus}
	if err := m.drive(0); err != nil {
		return nil, fmt.Errorf("motion: %s motor init: %w", name, err)
	}
	bus.Post(event.RobotMoved,
		fmt.Sprintf("%s motor created with pins %s and %s", name, forward.Name(), backward.Name()), event.Info)
	return m, nil
}

func (m *GPIOMotor) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// SetValue clamps v and drives the pins. Pin faults are reported on the bus.
func (m *GPIOMotor) SetValue(v float64) {
	v = Clamp(v)
	m.mu.Lock()
	err := m.drive(v)
	if err == nil {
		m.value = v
	}
	m.mu.Unlock()

	if err != nil {
		m.bus.Post(event.RobotMoved, fmt.Sprintf("%s motor write failed: %v", m.name, err), event.Error)
		return
	}
	m.bus.PostValue(event.RobotMoved, describe(m.name, v), v, event.Debug)
}

func (m *GPIOMotor) drive(v float64) error {
	duty := gpio.Duty(math.Round(math.Abs(v) * float64(gpio.DutyMax)))
	switch {
	case v > 0:
		if err := m.backward.Out(gpio.Low); err != nil {
			return err
		}
		return m.forward.PWM(duty, m.freq)
	case v < 0:
		if err := m.forward.Out(gpio.Low); err != nil {
			return err
		}
		return m.backward.PWM(duty, m.freq)
	default:
		if err := m.forward.Out(gpio.Low); err != nil {
			return err
		}
		return m.backward.Out(gpio.Low)
	}
}

// Stop sets the output to zero.
func (m *GPIOMotor) Stop() { m.SetValue(0) }

// Close stops the motor and releases both pins.
func (m *GPIOMotor) Close() error {
	m.Stop()
	if err := m.forward.Halt(); err != nil {
		return fmt.Errorf("motion: %s forward pin halt: %w", m.name, err)
	}
	if err := m.backward.Halt(); err != nil {
		return fmt.Errorf("motion: %s backward pin halt: %w", m.name, err)
	}
	m.bus.Post(event.RobotMoved, fmt.Sprintf("%s motor closed", m.name), event.Info)
	return nil
}

// Switch turns the motor battery on and off.
type Switch interface {
	On() error
	Off() error
	Active() bool
	Close() error
}

// Relay is an active low relay feeding the motor controller.
type Relay struct {
	pin gpio.PinOut
	bus *event.Bus

	mu     sync.Mutex
	active bool
}

// OpenRelay initializes the periph host and resolves the relay pin.
func OpenRelay(pinName string, bus *event.Bus) (*Relay, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("motion: periph host init: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("motion: relay pin %q not found", pinName)
	}
	return NewRelay(p, bus)
}

// NewRelay wraps pin, leaving the relay off.
func NewRelay(pin gpio.PinOut, bus *event.Bus) (*Relay, error) {
	r := &Relay{pin: pin, bus: bus}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("motion: relay init on pin %s: %w", pin.Name(), err)
	}
	bus.Post(event.Power, fmt.Sprintf("Output Device Created on pin: %s", pin.Name()), event.Info)
	return r, nil
}

func (r *Relay) On() error  { return r.set(true) }
func (r *Relay) Off() error { return r.set(false) }

func (r *Relay) set(on bool) error {
	lvl, word := gpio.High, "off"
	if on {
		lvl, word = gpio.Low, "on"
	}
	r.mu.Lock()
	err := r.pin.Out(lvl)
	if err == nil {
		r.active = on
	}
	r.mu.Unlock()
	if err != nil {
		r.bus.Post(event.Power, fmt.Sprintf("Output Device on pin %s failed to turn %s: %v", r.pin.Name(), word, err), event.Error)
		return fmt.Errorf("motion: relay %s: %w", word, err)
	}
	r.bus.Post(event.Power, fmt.Sprintf("Output Device on pin %s turned: %s", r.pin.Name(), word), event.Info)
	return nil
}

func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close switches the relay off and releases the pin.
func (r *Relay) Close() error {
	if err := r.Off(); err != nil {
		return err
	}
	return r.pin.Halt()
}

// SimulatedRelay records the switch state and posts the same events as Relay.
type SimulatedRelay struct {
	bus *event.Bus

	mu     sync.Mutex
	active bool
}

func NewSimulatedRelay(bus *event.Bus) *SimulatedRelay {
	bus.Post(event.Power, "Output Device Created on pin: simulated", event.Info)
	return &SimulatedRelay{bus: bus}
}

func (r *SimulatedRelay) On() error  { return r.set(true, "on") }
func (r *SimulatedRelay) Off() error { return r.set(false, "off") }

func (r *SimulatedRelay) set(on bool, word string) error {
	r.mu.Lock()
	r.active = on
	r.mu.Unlock()
	r.bus.Post(event.Power, "Output Device on pin simulated turned: "+word, event.Info)
	return nil
}

func (r *SimulatedRelay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *SimulatedRelay) Close() error { return r.Off() }
