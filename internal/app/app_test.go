package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/balance_bot/internal/config"
	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/orientation"
	"github.com/relabs-tech/balance_bot/internal/telemetry"
)

type testDirs struct {
	root, logs, history, calibration string
}

func newTestDirs(t *testing.T) testDirs {
	root := t.TempDir()
	return testDirs{
		root:        root,
		logs:        filepath.Join(root, "logs"),
		history:     filepath.Join(root, "history"),
		calibration: filepath.Join(root, "imu_calibration.yaml"),
	}
}

func (d testDirs) config() *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Telemetry.LogDir = d.logs
	cfg.Telemetry.HistoryDir = d.history
	cfg.Telemetry.ConsoleEvents = nil
	cfg.Orientation.CalibrationFile = d.calibration
	return cfg
}

// writeConfig writes a simulated robot config and returns its path.
func (d testDirs) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(d.root, "balance_bot.yaml")
	data := fmt.Sprintf(`log_level: error
simulate: true
telemetry:
  log_dir: %s
  history_dir: %s
  console_events: []
orientation:
  calibration_file: %s
%s`, d.logs, d.history, d.calibration, extra)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func (d testDirs) writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(d.root, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestBuildSimulated(t *testing.T) {
	dirs := newTestDirs(t)
	robot, err := Build(dirs.config(), zerolog.Nop())
	require.NoError(t, err)

	require.NotNil(t, robot.Left)
	require.NotNil(t, robot.Right)
	require.NotNil(t, robot.LeftEncoder)
	require.NotNil(t, robot.RightEncoder)
	require.NotNil(t, robot.Orientation)
	require.NotNil(t, robot.Relay)
	assert.Len(t, robot.RunID, 36)

	require.NoError(t, robot.Relay.On())
	assert.True(t, robot.Relay.Active())
	require.NoError(t, robot.StartEncoders())

	robot.Left.SetValue(1)
	robot.Right.SetValue(-1)
	require.Eventually(t, func() bool {
		return robot.LeftEncoder.History().Distance() > 0.1 &&
			robot.RightEncoder.History().Distance() < -0.1
	}, 2*time.Second, 10*time.Millisecond)

	robot.StopEncoders()
	require.NoError(t, robot.Close())
	assert.False(t, robot.Relay.Active())
	assert.Zero(t, robot.Left.Value())

	paths := robot.History.Paths()
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
	assert.FileExists(t, filepath.Join(dirs.logs, telemetry.Slug(event.Power)+".log"))
	assert.FileExists(t, filepath.Join(dirs.logs, telemetry.Slug(event.EncoderSensor)+".log"))

	// second close is a no-op
	require.NoError(t, robot.Close())
}

func TestBuildAppliesSavedCalibration(t *testing.T) {
	dirs := newTestDirs(t)
	saved := orientation.DefaultCalibration()
	saved.Gyro.Offset = orientation.Vector{X: 0.5, Y: -0.25, Z: 1}
	require.NoError(t, orientation.SaveCalibration(dirs.calibration, saved))

	robot, err := Build(dirs.config(), zerolog.Nop())
	require.NoError(t, err)
	defer robot.Close()

	if diff := cmp.Diff(saved, robot.Orientation.CalibrationData()); diff != "" {
		t.Fatalf("calibration mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsUnknownConsoleEvents(t *testing.T) {
	dirs := newTestDirs(t)
	cfg := dirs.config()
	cfg.Telemetry.ConsoleEvents = []string{"balance", "gps"}

	_, err := Build(cfg, zerolog.Nop())
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestRunBalanceUntilCancelled(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, RunBalance(ctx, cfgPath, ""))

	data, err := os.ReadFile(filepath.Join(dirs.logs, telemetry.Slug(event.Balance)+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "balance loop started")
	assert.Contains(t, string(data), "balance loop stopped")

	power, err := os.ReadFile(filepath.Join(dirs.logs, telemetry.Slug(event.Power)+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(power), "turned: on")
	assert.Contains(t, string(power), "turned: off")
}

func TestRunBalanceWithProgram(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "")
	progPath := dirs.writeFile(t, "lean.yaml", `steps:
  - {duration: 50ms, pitch: 0.5}
  - {duration: 50ms, pitch: -0.5, yaw: 0.2}
`)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	require.NoError(t, RunBalance(ctx, cfgPath, progPath))
}

func TestRunManualProgram(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "manual:\n  interval: 10ms\n")
	progPath := dirs.writeFile(t, "drive.yaml", `steps:
  - {duration: 100ms, forward: 0.5}
  - {duration: 100ms, forward: 0.2, turn: 0.5}
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, RunManual(ctx, cfgPath, SourceProgram, progPath))
	// the run ends with the program, well before the context
	assert.Less(t, time.Since(start), 4*time.Second)

	data, err := os.ReadFile(filepath.Join(dirs.logs, telemetry.Slug(event.Manual)+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Direction: forward: 0.50, turn: 0.00")
	assert.Contains(t, string(data), "manual control ended")
}

func TestRunManualRejectsBadSource(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "")
	ctx := context.Background()

	require.ErrorContains(t, RunManual(ctx, cfgPath, "joystick", ""), "unknown remote")
	require.ErrorContains(t, RunManual(ctx, cfgPath, SourceProgram, ""), "program file")
	require.ErrorContains(t, RunManual(ctx, cfgPath, SourceMQTT, ""), "mqtt_broker")
	require.ErrorContains(t, RunManual(ctx, cfgPath, SourceSerial, ""), "serial_port")
}

func TestRunCalibrationSaves(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "")

	c, err := RunCalibration(cfgPath)
	require.NoError(t, err)

	loaded, err := orientation.LoadCalibration(dirs.calibration)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestRunEncoderTestWritesHistories(t *testing.T) {
	dirs := newTestDirs(t)
	cfgPath := dirs.writeConfig(t, "")

	paths, err := RunEncoderTest(context.Background(), cfgPath, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		assert.Equal(t, dirs.history, filepath.Dir(p))
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestLoadProgram(t *testing.T) {
	dirs := newTestDirs(t)

	p, err := LoadProgram(dirs.writeFile(t, "ok.yaml", `repeat: true
steps:
  - {duration: 1s, pitch: 0.25, forward: 0.5}
`))
	require.NoError(t, err)
	assert.True(t, p.Repeat)
	require.Len(t, p.BalanceSteps(), 1)
	assert.Equal(t, time.Second, p.BalanceSteps()[0].Duration)
	assert.Equal(t, 0.25, p.BalanceSteps()[0].Pitch)
	assert.Equal(t, 0.5, p.ManualSteps()[0].Forward)

	_, err = LoadProgram(dirs.writeFile(t, "unknown.yaml", "steps:\n  - {duration: 1s, speed: 2}\n"))
	assert.Error(t, err)

	_, err = LoadProgram(dirs.writeFile(t, "empty.yaml", ""))
	assert.ErrorContains(t, err, "no steps")
}

func TestFormatMessage(t *testing.T) {
	line, err := formatMessage([]byte(`{"time":"2026-03-04T05:06:07.5Z","level":"warning","run_id":"x","event":"balance","message":"sensor fault","value":[0.5,-0.5]}`))
	require.NoError(t, err)
	assert.Equal(t, "[05:06:07.500] WARNING balance              sensor fault [0.5,-0.5]", line)

	_, err = formatMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestReadSensor(t *testing.T) {
	bus := event.New(zerolog.Nop())
	sim := orientation.NewSimulator(bus, nil)
	sim.SetPose(orientation.Pose{Roll: 0, Pitch: 0, Yaw: 0})

	now := time.Unix(50, 0)
	r := ReadSensor(sim, now)
	assert.Zero(t, r.Failed)
	assert.Equal(t, now, r.Time)
	assert.InDelta(t, 1.0, r.Accel.Z, 1e-9)
	assert.InDelta(t, 1.0, r.GravityMagnitude, 1e-9)

	sim.FailNext(1)
	r = ReadSensor(sim, now)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, orientation.Pose{}, r.Pose)
	assert.InDelta(t, 1.0, r.Accel.Z, 1e-9)
}
