package app

import (
	"context"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/motion"
)

const (
	encoderTestOutput = 0.5
	encoderTestReport = 500 * time.Millisecond
)

// RunEncoderTest spins both wheels at half output for duration (or until
// ctx is done), reporting the measured speeds. The encoder histories are
// written as CSV when the robot closes; their paths are returned.
func RunEncoderTest(ctx context.Context, cfgPath string, duration time.Duration) ([]string, error) {
	reloader, err := openConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := reloader.Current()

	robot, err := Build(cfg, newLogger(cfg))
	if err != nil {
		return nil, err
	}

	err = runPowered(ctx, robot, func(ctx context.Context) error {
		robot.Left.SetValue(encoderTestOutput)
		robot.Right.SetValue(encoderTestOutput)
		defer motion.StopAll(robot.Left, robot.Right)

		ctx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()
		ticker := time.NewTicker(encoderTestReport)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				left, right := robot.LeftEncoder.History(), robot.RightEncoder.History()
				robot.Bus.PostValue(event.RobotMoved, "encoder test",
					[2]float64{left.Speed(), right.Speed()}, event.Info)
				robot.Log.Info().
					Float64("left_distance", left.Distance()).
					Float64("right_distance", right.Distance()).
					Int("left_dropped", robot.LeftEncoder.Dropped()).
					Int("right_dropped", robot.RightEncoder.Dropped()).
					Msg("encoder test")
			}
		}
	})
	closeRobot(robot)
	return robot.History.Paths(), err
}
