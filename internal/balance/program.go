package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// MaxStepTime bounds a single program step.
const MaxStepTime = time.Minute

// ErrEmptyProgram is returned when no step of a program is valid.
var ErrEmptyProgram = errors.New("balance: program has no valid steps")

// ProgramStep holds a pitch and yaw setpoint for a duration.
type ProgramStep struct {
	Duration time.Duration
	Pitch    float64 // [-1, 1]
	Yaw      float64 // [-1, 1]
}

// Valid reports whether the step is within range.
func (s ProgramStep) Valid() bool {
	return s.Duration >= 0 && s.Duration <= MaxStepTime &&
		s.Pitch >= -1 && s.Pitch <= 1 &&
		s.Yaw >= -1 && s.Yaw <= 1
}

// RunProgram applies the steps' setpoints in order, once or until ctx is
// done when repeat is set. Invalid steps are skipped with a log event.
// Setpoints return to zero when the program ends.
func (c *Controller) RunProgram(ctx context.Context, steps []ProgramStep, repeat bool) error {
	valid := 0
	for i, s := range steps {
		if !s.Valid() {
			c.bus.Post(event.Log, fmt.Sprintf("invalid program step %d (%v, %.2f, %.2f), skipping", i, s.Duration, s.Pitch, s.Yaw), event.Warning)
			continue
		}
		valid++
	}
	if valid == 0 {
		return ErrEmptyProgram
	}
	defer c.SetSetpoint(0, 0)

	for {
		for _, s := range steps {
			if !s.Valid() {
				continue
			}
			elapsed := c.clock.After(s.Duration)
			c.SetSetpoint(s.Pitch, s.Yaw)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-elapsed:
			}
		}
		if !repeat {
			return nil
		}
	}
}
