// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package balance

import (
	"math"
	"time"

	"github.com/relabs-tech/balance_bot/internal/config"
)

// Bounds is a wheel's allowed output range.
type Bounds struct {
	Min, Max float64
}

// Clamp limits v to the bounds. NaN maps to 0 before clamping.
func (b Bounds) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(b.Min, math.Min(b.Max, v))
}

// Params are the tunables the controller re-reads while running.
type Params struct {
	KProportional float64
	KIntegral     float64
	KDerivative   float64
	WindupRatio   float64
	TurnGain      float64

	Left, Right Bounds

	ControlInterval time.Duration
	ParamsInterval  time.Duration
	Yield           time.Duration

	// MaxConsecutiveFaults of 0 never gives up on the sensor.
	MaxConsecutiveFaults int
}

// DefaultParams mirrors config.Default.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default())
}

// ParamsFromConfig extracts the controller tunables from a validated config.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		KProportional:        cfg.PID.KProportional,
		KIntegral:            cfg.PID.KIntegral,
		KDerivative:          cfg.PID.KDerivative,
		WindupRatio:          cfg.PID.WindupRatio,
		TurnGain:             cfg.PID.TurnGain,
		Left:                 Bounds{Min: cfg.Wheels.Left.MinOutput, Max: cfg.Wheels.Left.MaxOutput},
		Right:                Bounds{Min: cfg.Wheels.Right.MinOutput, Max: cfg.Wheels.Right.MaxOutput},
		ControlInterval:      cfg.Timing.ControlUpdateInterval,
		ParamsInterval:       cfg.Timing.ParamsUpdateInterval,
		Yield:                cfg.Timing.LoopYield,
		MaxConsecutiveFaults: cfg.PID.MaxConsecutiveFaults,
	}
}

// ParamSource supplies fresh parameters on every refresh.
// An error keeps the controller on its previous parameters.
type ParamSource interface {
	Params() (Params, error)
}

// StaticParams never changes.
type StaticParams Params

func (p StaticParams) Params() (Params, error) { return Params(p), nil }

// ConfigParams re-reads the config file through a Reloader.
type ConfigParams struct {
	reloader *config.Reloader
}

func NewConfigParams(r *config.Reloader) *ConfigParams {
	return &ConfigParams{reloader: r}
}

func (c *ConfigParams) Params() (Params, error) {
	if _, err := c.reloader.Reload(); err != nil {
		return Params{}, err
	}
	return ParamsFromConfig(c.reloader.Current()), nil
}
