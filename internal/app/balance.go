// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/balance_bot/internal/balance"
	"github.com/relabs-tech/balance_bot/internal/config"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

// openConfig returns a reloader for cfgPath, or a fixed default config
// when no path is given.
func openConfig(cfgPath string) (*config.Reloader, error) {
	if cfgPath == "" {
		return config.NewStaticReloader(config.Default()), nil
	}
	r, err := config.NewReloader(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return r, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{Level: cfg.LogLevel, Console: true})
}

// closeRobot releases the robot and reports a failed flush without
// hiding the run error.
func closeRobot(r *Robot) {
	if err := r.Close(); err != nil {
		r.Log.Error().Err(err).Msg("shutdown")
	}
	r.Log.Info().Str("run_id", r.RunID).Msg("robot closed")
}

// RunBalance powers the motors and keeps the robot upright until ctx is
// done or the orientation sensor is lost. The PID gains are re-read from
// cfgPath while running. With programPath set, the setpoints follow the
// program in parallel.
func RunBalance(ctx context.Context, cfgPath, programPath string) error {
	reloader, err := openConfig(cfgPath)
	if err != nil {
		return err
	}
	cfg := reloader.Current()
	log := newLogger(cfg)

	var prog *Program
	if programPath != "" {
		if prog, err = LoadProgram(programPath); err != nil {
			return err
		}
	}

	robot, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer closeRobot(robot)

	ctrl, err := balance.New(robot.Orientation, robot.Left, robot.Right,
		balance.NewConfigParams(reloader), robot.Bus, robot.Clock)
	if err != nil {
		return err
	}
	return runPowered(ctx, robot, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ctrl.Run(gctx) })
		if prog != nil {
			g.Go(func() error {
				err := ctrl.RunProgram(gctx, prog.BalanceSteps(), prog.Repeat)
				if gctx.Err() != nil {
					// stopped with the loop
					return nil
				}
				return err
			})
		}
		return g.Wait()
	})
}

// runPowered switches the motor battery on and arms the encoders around
// run. The relay is always switched off again.
func runPowered(ctx context.Context, robot *Robot, run func(context.Context) error) (err error) {
	if err := robot.Relay.On(); err != nil {
		return fmt.Errorf("motor relay: %w", err)
	}
	defer func() {
		if offErr := robot.Relay.Off(); offErr != nil {
			err = errors.Join(err, fmt.Errorf("motor relay: %w", offErr))
		}
	}()

	if err := robot.StartEncoders(); err != nil {
		return err
	}
	defer robot.StopEncoders()

	return run(ctx)
}
