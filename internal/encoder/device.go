// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package encoder binds a slotted wheel sensor, real or simulated, to a
// kinematic history.
package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/kinematics"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

var (
	ErrClosed  = errors.New("encoder: device closed")
	ErrRunning = errors.New("encoder: device already running")
)

// DefaultSlotsPerRevolution is the slot count of the stock encoder disc.
const DefaultSlotsPerRevolution = 20

// HistoryWriter persists the records left in a history when the device
// is closed.
type HistoryWriter interface {
	WriteHistory(name string, records []kinematics.Record) error
}

// Options configures a Device.
type Options struct {
	Name               string
	SlotsPerRevolution int
	// HalfSlot counts both edges of a slot, halving the distance per edge.
	HalfSlot bool
}

// Device turns edges from a PulseSource into history samples.
type Device struct {
	name    string
	pulses  PulseSource
	history *kinematics.History
	delta   float64
	bus     *event.Bus
	writer  HistoryWriter
	clock   timeutil.Clock

	mu      sync.Mutex
	running bool
	closed  bool
	dropped int
}

// New creates a stopped device. writer may be nil, in which case Close
// does not persist anything.
func New(pulses PulseSource, history *kinematics.History, opts Options, bus *event.Bus, writer HistoryWriter, clock timeutil.Clock) *Device {
	slots := opts.SlotsPerRevolution
	if slots <= 0 {
		slots = DefaultSlotsPerRevolution
	}
	delta := 1 / float64(slots)
	if opts.HalfSlot {
		delta /= 2
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{
		name:    opts.Name,
		pulses:  pulses,
		history: history,
		delta:   delta,
		bus:     bus,
		writer:  writer,
		clock:   clock,
	}
}

// History returns the history the device feeds.
func (d *Device) History() *kinematics.History { return d.history }

// Start resets the history, records the origin and arms the pulse source.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.running {
		return ErrRunning
	}

	d.history.Reset(0, 0)
	if err := d.history.AddPosition(d.clock.Now(), 0); err != nil {
		return fmt.Errorf("encoder: %s origin sample: %w", d.name, err)
	}
	if err := d.pulses.Arm(d.onEdge); err != nil {
		return fmt.Errorf("encoder: %s arm: %w", d.name, err)
	}
	d.running = true
	d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: Started %s", d.name), event.Info)
	return nil
}

func (d *Device) onEdge(t time.Time) {
	delta := d.delta
	if !d.history.Forward() {
		delta = -delta
	}
	if _, err := d.history.AddDelta(t, delta); err != nil {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: %s edge dropped: %v", d.name, err), event.Warning)
	}
}

// Dropped returns how many edges were rejected by the history.
func (d *Device) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Running reports whether the device is armed.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stop disarms the pulse source. The history is kept for inspection.
func (d *Device) Stop() {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()
	if !wasRunning {
		return
	}
	if err := d.pulses.Disarm(); err != nil {
		d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: %s disarm failed: %v", d.name, err), event.Warning)
	}
	d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: Stopped %s", d.name), event.Info)
}

// Close stops the device, releases the pulse source and flushes the
// non-empty history records to the writer.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.running = false
	d.mu.Unlock()

	var errs []error
	if err := d.pulses.Disarm(); err != nil {
		d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: %s disarm failed: %v", d.name, err), event.Warning)
		errs = append(errs, fmt.Errorf("encoder: %s disarm: %w", d.name, err))
	}
	if err := d.pulses.Close(); err != nil {
		errs = append(errs, fmt.Errorf("encoder: %s release: %w", d.name, err))
	}

	if d.writer != nil {
		all := d.history.Records()
		kept := make([]kinematics.Record, 0, len(all))
		for _, r := range all {
			if !r.IsZero() {
				kept = append(kept, r)
			}
		}
		if err := d.writer.WriteHistory(d.name, kept); err != nil {
			errs = append(errs, fmt.Errorf("encoder: %s flush history: %w", d.name, err))
		}
	}
	d.bus.Post(event.EncoderSensor, fmt.Sprintf("encoder sensor: %s destroyed", d.name), event.Info)
	return errors.Join(errs...)
}
