package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/relabs-tech/balance_bot/internal/orientation"
)

// SensorReading is one pass over every orientation channel. Channels that
// could not be read are left zero and counted in Failed.
type SensorReading struct {
	Time             time.Time              `json:"time"`
	Pose             orientation.Pose       `json:"pose"`
	Accel            orientation.Vector     `json:"accel"`
	Gyro             orientation.Vector     `json:"gyro"`
	Magnetic         orientation.Vector     `json:"magnetic"`
	Gravity          orientation.GravityDir `json:"gravity"`
	GravityMagnitude float64                `json:"gravity_magnitude"`
	TemperatureC     float64                `json:"temperature_c"`
	Failed           int                    `json:"failed"`
}

// ReadSensor samples every channel of src once.
func ReadSensor(src orientation.Source, now time.Time) SensorReading {
	r := SensorReading{Time: now}
	keep := func(err error) {
		if err != nil {
			r.Failed++
		}
	}
	var err error
	r.Pose, err = src.EulerAngles()
	keep(err)
	r.Accel, err = src.Accel()
	keep(err)
	r.Gyro, err = src.Gyro()
	keep(err)
	r.Magnetic, err = src.Magnetic()
	keep(err)
	r.Gravity, err = src.GravityDirection()
	keep(err)
	r.GravityMagnitude, err = src.GravityMagnitude()
	keep(err)
	r.TemperatureC, err = src.Temperature("C")
	keep(err)
	return r
}

// RunSensorCheck prints the orientation sensor every interval until ctx is
// done. The motors stay off.
func RunSensorCheck(ctx context.Context, cfgPath string, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sensor check: interval must be > 0")
	}
	reloader, err := openConfig(cfgPath)
	if err != nil {
		return err
	}
	cfg := reloader.Current()

	robot, err := Build(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeRobot(robot)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			logReading(robot.Log, ReadSensor(robot.Orientation, t))
		}
	}
}

func logReading(log zerolog.Logger, r SensorReading) {
	ev := log.Info()
	if r.Failed > 0 {
		ev = log.Warn().Int("failed", r.Failed)
	}
	ev.Float64("roll", r.Pose.Roll).
		Float64("pitch", r.Pose.Pitch).
		Float64("yaw", r.Pose.Yaw).
		Float64("ax", r.Accel.X).Float64("ay", r.Accel.Y).Float64("az", r.Accel.Z).
		Float64("gx", r.Gyro.X).Float64("gy", r.Gyro.Y).Float64("gz", r.Gyro.Z).
		Float64("mx", r.Magnetic.X).Float64("my", r.Magnetic.Y).Float64("mz", r.Magnetic.Z).
		Float64("g", r.GravityMagnitude).
		Float64("temp_c", r.TemperatureC).
		Msg("sensor")
}
