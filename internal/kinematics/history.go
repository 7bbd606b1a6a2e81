// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package kinematics keeps a bounded history of wheel position samples and
// derives speed, acceleration and jerk from it.
package kinematics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// ErrNotMonotonic is returned when a sample is not strictly newer than the
// previous one.
var ErrNotMonotonic = errors.New("kinematics: sample time not after previous sample")

const (
	DefaultCapacity        = 10_000
	DefaultAverageDuration = time.Second
	DefaultModeSampleLimit = 200
	minCapacity            = 4
)

// Record is one row of the history.
type Record struct {
	Time                    time.Time
	Elapsed                 float64 // seconds since the oldest live record
	StepDuration            float64
	StepDurationMode        float64
	StepDurationModeAverage float64
	Position                float64 // revolutions
	Speed                   float64
	Accel                   float64
	Jerk                    float64
}

// AbsoluteTime returns the sample time as fractional unix seconds.
func (r Record) AbsoluteTime() float64 {
	if r.Time.IsZero() {
		return 0
	}
	return float64(r.Time.UnixNano()) / 1e9
}

// IsZero reports whether every numeric field of r is zero.
func (r Record) IsZero() bool {
	return r.Time.IsZero() && r.Elapsed == 0 && r.StepDuration == 0 &&
		r.StepDurationMode == 0 && r.StepDurationModeAverage == 0 &&
		r.Position == 0 && r.Speed == 0 && r.Accel == 0 && r.Jerk == 0
}

// DirectionSource reports the signed output driving the wheel. A value
// of zero or more means forward.
type DirectionSource interface {
	Value() float64
}

// Options configures a History.
type Options struct {
	Name            string
	Capacity        int
	AverageDuration time.Duration
	// ModeSampleLimit caps the step durations fed to StepMode to the most
	// recent ones, so the fit costs the same on every edge however long
	// the run. The running average of the mode still spans the whole run.
	ModeSampleLimit int
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Capacity < minCapacity {
		o.Capacity = minCapacity
	}
	if o.AverageDuration < 0 {
		o.AverageDuration = 0
	}
	if o.ModeSampleLimit <= 0 {
		o.ModeSampleLimit = DefaultModeSampleLimit
	}
	return o
}

// History is a fixed capacity, time ordered buffer of position samples.
// It is safe for one writer (the pulse callback) and many readers.
type History struct {
	mu        sync.RWMutex
	opts      Options
	records   []Record
	steps     []float64 // recent step durations fed to the mode estimator
	count     int       // samples since reset
	modeCount int
	modeAvg   float64

	bus       *event.Bus
	direction DirectionSource
}

// New creates an empty history. direction may be nil, meaning always forward.
func New(bus *event.Bus, direction DirectionSource, opts Options) *History {
	opts = opts.withDefaults()
	return &History{
		opts:      opts,
		records:   make([]Record, 0, opts.Capacity),
		bus:       bus,
		direction: direction,
	}
}

// Reset clears the buffer and applies a new capacity and averaging window.
// Non-positive values keep the current setting.
func (h *History) Reset(capacity int, averageDuration time.Duration) {
	h.mu.Lock()
	if capacity > 0 {
		h.opts.Capacity = capacity
	}
	if averageDuration > 0 {
		h.opts.AverageDuration = averageDuration
	}
	h.opts = h.opts.withDefaults()
	h.records = make([]Record, 0, h.opts.Capacity)
	h.steps = h.steps[:0]
	h.count = 0
	h.modeCount = 0
	h.modeAvg = 0
	opts := h.opts
	h.mu.Unlock()

	h.bus.PostValue(event.EncoderSensor,
		fmt.Sprintf("%s history reset: capacity %d, average over %s", opts.Name, opts.Capacity, opts.AverageDuration),
		opts.Capacity, event.Info)
}

// AddPosition appends a sample. t must be strictly after the newest sample.
func (h *History) AddPosition(t time.Time, position float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addLocked(t, position)
}

// AddDelta appends a sample whose position is the newest position plus
// delta. The read and the append happen under one lock.
func (h *History) AddDelta(t time.Time, delta float64) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var pos float64
	if n := len(h.records); n > 0 {
		pos = h.records[n-1].Position
	}
	pos += delta
	if err := h.addLocked(t, pos); err != nil {
		return 0, err
	}
	return pos, nil
}

func (h *History) addLocked(t time.Time, position float64) error {
	n := len(h.records)
	if n > 0 {
		prev := h.records[n-1]
		if !t.After(prev.Time) {
			return fmt.Errorf("%w: %s at %s, previous %s", ErrNotMonotonic, h.opts.Name,
				t.Format(time.RFC3339Nano), prev.Time.Format(time.RFC3339Nano))
		}
	}

	if n == h.opts.Capacity {
		copy(h.records, h.records[1:])
		h.records = h.records[:n-1]
		n--
		h.rebase()
	}

	rec := Record{Time: t, Position: position}
	if n > 0 {
		prev := h.records[n-1]
		rec.Elapsed = t.Sub(h.records[0].Time).Seconds()
		rec.StepDuration = rec.Elapsed - prev.Elapsed

		h.steps = append(h.steps, rec.StepDuration)
		if over := len(h.steps) - h.opts.ModeSampleLimit; over > 0 {
			h.steps = append(h.steps[:0], h.steps[over:]...)
		}
		rec.StepDurationMode = StepMode(h.steps)
		h.modeCount++
		h.modeAvg = CumulativeAverage(h.modeAvg, rec.StepDurationMode, h.modeCount)
		rec.StepDurationModeAverage = h.modeAvg

		if step := rec.StepDuration; step > 0 {
			// count is the index of rec among samples since reset
			if h.count >= 1 {
				rec.Speed = (rec.Position - prev.Position) / step
			}
			if h.count >= 2 {
				rec.Accel = (rec.Speed - prev.Speed) / step
			}
			if h.count >= 3 {
				rec.Jerk = (rec.Accel - prev.Accel) / step
			}
		}
	}

	h.records = append(h.records, rec)
	h.count++
	return nil
}

// rebase recomputes Elapsed relative to the oldest live record.
func (h *History) rebase() {
	if len(h.records) == 0 {
		return
	}
	epoch := h.records[0].Time
	for i := range h.records {
		h.records[i].Elapsed = h.records[i].Time.Sub(epoch).Seconds()
	}
}

// Forward reports the current direction of travel from the bound motion
// source. It is read on every call, never cached.
func (h *History) Forward() bool {
	if h.direction == nil {
		return true
	}
	return h.direction.Value() >= 0
}

// Distance returns the newest position.
func (h *History) Distance() float64 {
	h.mu.RLock()
	var d float64
	if n := len(h.records); n > 0 {
		d = h.records[n-1].Position
	}
	h.mu.RUnlock()
	h.post("distance", d)
	return d
}

// Speed returns the speed averaged over the trailing window.
func (h *History) Speed() float64 {
	v := h.windowAverage(1, func(r Record) float64 { return r.Speed })
	h.post("speed", v)
	return v
}

// Accel returns the acceleration averaged over the trailing window.
func (h *History) Accel() float64 {
	v := h.windowAverage(2, func(r Record) float64 { return r.Accel })
	h.post("accel", v)
	return v
}

// Jerk returns the jerk averaged over the trailing window.
func (h *History) Jerk() float64 {
	v := h.windowAverage(3, func(r Record) float64 { return r.Jerk })
	h.post("jerk", v)
	return v
}

// windowAverage averages field over the records inside the trailing window,
// skipping the first order records whose derivative is undefined.
func (h *History) windowAverage(order int, field func(Record) float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.records)
	if n < order+1 {
		return 0
	}
	start := h.records[n-1].Elapsed - h.opts.AverageDuration.Seconds()
	first := 0
	for i, r := range h.records {
		if r.Elapsed >= start {
			first = i
			break
		}
	}
	// records[i] is sample count-n+i since reset; its derivative of this
	// order exists only from sample index order onward
	if undefined := order - (h.count - n); first < undefined {
		first = undefined
	}

	vals := make([]float64, 0, n-first)
	for _, r := range h.records[first:] {
		vals = append(vals, field(r))
	}
	return stat.Mean(vals, nil)
}

func (h *History) post(what string, v float64) {
	h.bus.PostValue(event.EncoderSensor, fmt.Sprintf("%s %s: %.7f", h.opts.Name, what, v), v, event.Debug)
}

// Len returns the number of live records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Count returns the number of samples added since the last reset,
// including evicted ones.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Capacity returns the maximum number of live records.
func (h *History) Capacity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opts.Capacity
}

// Records returns a copy of the live records, oldest first.
func (h *History) Records() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// Last returns the newest record.
func (h *History) Last() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return Record{}, false
	}
	return h.records[len(h.records)-1], true
}
