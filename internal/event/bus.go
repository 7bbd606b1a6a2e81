// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package event is the typed publish/subscribe fan-out every component uses
// to emit telemetry without knowing which sinks are wired up.
package event

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type tags an event stream.
type Type string

const (
	RobotMoved        Type = "robot moved"
	EncoderSensor     Type = "robot encoder sensor"
	OrientationSensor Type = "robot 9DOF sensor"
	Balance           Type = "balance"
	Manual            Type = "manual control"
	Power             Type = "power"
	Log               Type = "log_event"
	Config            Type = "config"
)

// AllTypes lists every known event type, in a stable order.
var AllTypes = []Type{
	RobotMoved, EncoderSensor, OrientationSensor, Balance, Manual, Power, Log, Config,
}

// ParseTypes resolves type names, as written in config files, to known
// types.
func ParseTypes(names []string) ([]Type, error) {
	out := make([]Type, 0, len(names))
	for _, n := range names {
		t := Type(n)
		if !slices.Contains(AllTypes, t) {
			return nil, fmt.Errorf("event: unknown type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// Level is the severity attached to an event. The zero value is Info.
type Level int

const (
	Info Level = iota
	Debug
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Event is one message delivered to subscribers.
type Event struct {
	Type    Type
	Message string
	Value   any
	Level   Level
	Time    time.Time
}

// Handler consumes events. Handlers run on the poster's goroutine and must
// not block.
type Handler func(Event)

// Bus delivers events to subscribers synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	log      zerolog.Logger
	now      func() time.Time
}

// New creates an empty bus. Handler panics are reported through log.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		log:      log,
		now:      time.Now,
	}
}

// Subscribe appends h to the handlers for t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// SubscribeAll registers h for each of types, or for every known type when
// none are given.
func (b *Bus) SubscribeAll(h Handler, types ...Type) {
	if len(types) == 0 {
		types = AllTypes
	}
	for _, t := range types {
		b.Subscribe(t, h)
	}
}

// Post delivers a message without a value.
func (b *Bus) Post(t Type, msg string, lvl Level) {
	b.PostValue(t, msg, nil, lvl)
}

// PostValue delivers a message carrying value. Posting a type nobody
// subscribed to is a no-op.
func (b *Bus) PostValue(t Type, msg string, value any, lvl Level) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := b.handlers[t]
	b.mu.RUnlock()
	if len(hs) == 0 {
		return
	}

	ev := Event{Type: t, Message: msg, Value: value, Level: lvl, Time: b.now()}
	for _, h := range hs {
		b.dispatch(h, ev)
	}
}

// Subscribers reports how many handlers are registered for t.
func (b *Bus) Subscribers(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", string(ev.Type)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler failed")
		}
	}()
	h(ev)
}
