// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry delivers event bus traffic to log files, the console,
// MQTT, the OLED display and CSV history dumps.
package telemetry

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// NewRunID returns a fresh identifier stamped on everything one run writes.
func NewRunID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of a run id.
func ShortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// Slug turns an event type into a file or topic name:
// "robot 9DOF sensor" becomes "robot_9dof_sensor".
func Slug(t event.Type) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(string(t))), " ", "_")
}

// Message is the JSON shape of an event outside the process.
type Message struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	RunID   string    `json:"run_id"`
	Event   string    `json:"event"`
	Message string    `json:"message"`
	Value   any       `json:"value,omitempty"`
}

func newMessage(runID string, e event.Event) Message {
	return Message{
		Time:    e.Time,
		Level:   e.Level.String(),
		RunID:   runID,
		Event:   string(e.Type),
		Message: e.Message,
		Value:   e.Value,
	}
}

func zerologLevel(l event.Level) zerolog.Level {
	switch l {
	case event.Debug:
		return zerolog.DebugLevel
	case event.Warning:
		return zerolog.WarnLevel
	case event.Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ConsoleSink echoes events through a logger, normally the console one.
type ConsoleSink struct {
	log zerolog.Logger
}

func NewConsoleSink(log zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{log: log}
}

// Subscribe attaches the sink to the given types, or to all of them.
func (s *ConsoleSink) Subscribe(bus *event.Bus, types ...event.Type) {
	bus.SubscribeAll(s.Handle, types...)
}

func (s *ConsoleSink) Handle(e event.Event) {
	s.log.WithLevel(zerologLevel(e.Level)).Str("event", string(e.Type)).Msg(e.Message)
}
