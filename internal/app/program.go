package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/balance_bot/internal/balance"
	"github.com/relabs-tech/balance_bot/internal/manual"
)

// Program is a scripted run loaded from YAML:
//
//	repeat: false
//	steps:
//	  - {duration: 2s, pitch: 0.5}
//	  - {duration: 1s, forward: 0.3, turn: -0.2}
//
// Balance runs use pitch and yaw, manual runs use forward and turn.
type Program struct {
	Repeat bool          `yaml:"repeat"`
	Steps  []ProgramStep `yaml:"steps"`
}

type ProgramStep struct {
	Duration time.Duration `yaml:"duration"`
	Pitch    float64       `yaml:"pitch"`
	Yaw      float64       `yaml:"yaw"`
	Forward  float64       `yaml:"forward"`
	Turn     float64       `yaml:"turn"`
}

// LoadProgram reads a program file. Unknown keys are rejected.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("program: read %s: %w", path, err)
	}
	var p Program
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("program: parse %s: %w", path, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("program: %s has no steps", path)
	}
	return &p, nil
}

func (p *Program) BalanceSteps() []balance.ProgramStep {
	out := make([]balance.ProgramStep, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = balance.ProgramStep{Duration: s.Duration, Pitch: s.Pitch, Yaw: s.Yaw}
	}
	return out
}

func (p *Program) ManualSteps() []manual.Step {
	out := make([]manual.Step, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = manual.Step{Duration: s.Duration, Forward: s.Forward, Turn: s.Turn}
	}
	return out
}
