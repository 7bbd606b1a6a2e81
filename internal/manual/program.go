package manual

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// MaxStepTime bounds a single drive step.
const MaxStepTime = time.Minute

var errEmptyProgram = errors.New("manual: drive program has no valid steps")

// Step drives at (Forward, Turn) for Duration.
type Step struct {
	Duration time.Duration
	Forward  float64
	Turn     float64
}

func (s Step) Valid() bool {
	return s.Duration > 0 && s.Duration <= MaxStepTime &&
		s.Forward >= -1 && s.Forward <= 1 &&
		s.Turn >= -1 && s.Turn <= 1
}

// ProgramSource replays a scripted drive. Past the last step it reports
// no position, unless it repeats.
type ProgramSource struct {
	steps  []Step
	repeat bool
	clock  timeutil.Clock
	total  time.Duration

	mu    sync.Mutex
	start time.Time
}

// NewProgramSource keeps the valid steps and posts a warning for each
// skipped one.
func NewProgramSource(steps []Step, repeat bool, bus *event.Bus, clock timeutil.Clock) (*ProgramSource, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &ProgramSource{repeat: repeat, clock: clock}
	for i, s := range steps {
		if !s.Valid() {
			bus.Post(event.Manual, fmt.Sprintf("invalid drive step %d (%v, %.2f, %.2f), skipping", i, s.Duration, s.Forward, s.Turn), event.Warning)
			continue
		}
		p.steps = append(p.steps, s)
		p.total += s.Duration
	}
	if len(p.steps) == 0 {
		return nil, errEmptyProgram
	}
	return p, nil
}

// Total is the length of one pass through the program.
func (p *ProgramSource) Total() time.Duration { return p.total }

func (p *ProgramSource) Start() error {
	p.mu.Lock()
	p.start = p.clock.Now()
	p.mu.Unlock()
	return nil
}

func (p *ProgramSource) Position() (float64, float64, error) {
	p.mu.Lock()
	start := p.start
	p.mu.Unlock()
	if start.IsZero() {
		return 0, 0, ErrNoPosition
	}

	at := p.clock.Since(start)
	if at >= p.total {
		if !p.repeat {
			return 0, 0, ErrNoPosition
		}
		at %= p.total
	}
	for _, s := range p.steps {
		if at < s.Duration {
			return s.Forward, s.Turn, nil
		}
		at -= s.Duration
	}
	return 0, 0, ErrNoPosition
}

func (p *ProgramSource) Stop() error {
	p.mu.Lock()
	p.start = time.Time{}
	p.mu.Unlock()
	return nil
}
