// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package motion drives the wheel motors, either real ones over GPIO or a
// simulator that narrates its output on the event bus.
package motion

import (
	"fmt"
	"math"
	"sync"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// Source is a signed motor output in [-1, 1].
type Source interface {
	Value() float64
	SetValue(v float64)
}

// Clamp limits v to [-1, 1]. NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// StopAll sets every source to zero.
func StopAll(sources ...Source) {
	for _, s := range sources {
		if s != nil {
			s.SetValue(0)
		}
	}
}

// Simulator is a motor with no hardware behind it.
type Simulator struct {
	name string
	bus  *event.Bus

	mu    sync.Mutex
	value float64
}

func NewSimulator(name string, bus *event.Bus) *Simulator {
	return &Simulator{name: name, bus: bus}
}

func (s *Simulator) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *Simulator) SetValue(v float64) {
	v = Clamp(v)
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	s.bus.PostValue(event.RobotMoved, describe(s.name, v), v, event.Debug)
}

// Name returns the wheel name given at construction.
func (s *Simulator) Name() string { return s.name }

func describe(name string, v float64) string {
	switch {
	case v > 0:
		return fmt.Sprintf("%s Vroom! Moving Forward at speed: %.3f", name, v)
	case v < 0:
		return fmt.Sprintf("%s Vroom! Moving Rearward at speed: %.3f", name, v)
	default:
		return fmt.Sprintf("%s Stopped", name)
	}
}
