package app

import (
	"errors"
	"fmt"

	"github.com/relabs-tech/balance_bot/internal/orientation"
)

// RunCalibration measures the sensor offsets with the robot held level and
// still, then saves them to orientation.calibration_file. Invalid results
// are refused and the previous file is left in place.
func RunCalibration(cfgPath string) (orientation.Calibration, error) {
	reloader, err := openConfig(cfgPath)
	if err != nil {
		return orientation.Calibration{}, err
	}
	cfg := reloader.Current()
	path := cfg.Orientation.CalibrationFile
	if path == "" {
		return orientation.Calibration{}, errors.New("calibration: orientation.calibration_file is not set")
	}

	robot, err := Build(cfg, newLogger(cfg))
	if err != nil {
		return orientation.Calibration{}, err
	}
	defer closeRobot(robot)

	robot.Log.Info().Msg("calibration: sampling, keep the robot level and still")
	if err := robot.Orientation.Calibrate(); err != nil {
		return orientation.Calibration{}, err
	}
	c := robot.Orientation.CalibrationData()
	if err := orientation.SaveCalibration(path, c); err != nil {
		return orientation.Calibration{}, fmt.Errorf("calibration: %w", err)
	}

	robot.Log.Info().
		Str("file", path).
		Float64("gravity_g", c.Accel.Radius).
		Float64("gyro_x", c.Gyro.Offset.X).
		Float64("gyro_y", c.Gyro.Offset.Y).
		Float64("gyro_z", c.Gyro.Offset.Z).
		Msg("calibration saved")
	return c, nil
}
