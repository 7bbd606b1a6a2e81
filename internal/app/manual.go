package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/manual"
)

// Remote control sources accepted by RunManual.
const (
	SourcePad     = "pad"
	SourceMQTT    = "mqtt"
	SourceSerial  = "serial"
	SourceProgram = "program"
)

var Sources = []string{SourcePad, SourceMQTT, SourceSerial, SourceProgram}

// RunManual drives the wheels directly from a remote control until the
// configured manual duration elapses or ctx is done. programPath is only
// used by the program source.
func RunManual(ctx context.Context, cfgPath, source, programPath string) error {
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

	src, duration, cleanup, err := robot.positionSource(source, programPath)
	if err != nil {
		return err
	}
	defer cleanup()

	override := manual.New(src, robot.Left, robot.Right, robot.Bus, robot.Clock, manual.Options{
		Interval: cfg.Manual.Interval,
		Duration: duration,
		DeadZone: cfg.Manual.TurnDeadZone,
		Odometers: []manual.Odometer{
			robot.LeftEncoder.History(),
			robot.RightEncoder.History(),
		},
	})
	return runPowered(ctx, robot, override.Run)
}

// positionSource builds the named remote. The returned duration is the
// configured manual duration, or one pass of a non repeating program.
func (r *Robot) positionSource(name, programPath string) (manual.PositionSource, time.Duration, func(), error) {
	rc := r.Config.Remote
	duration := r.Config.Manual.Duration
	noop := func() {}

	switch name {
	case SourcePad:
		pad := manual.NewPadServer(r.Bus)
		srv := &http.Server{Addr: rc.ListenAddr, Handler: pad.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.Bus.Post(event.Manual, "pad server: "+err.Error(), event.Error)
			}
		}()
		r.Log.Info().Str("addr", rc.ListenAddr).Msg("pad server listening")
		return pad, duration, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}, nil

	case SourceMQTT:
		broker := r.Config.Telemetry.MQTTBroker
		if broker == "" {
			return nil, 0, nil, errors.New("mqtt remote needs telemetry.mqtt_broker")
		}
		client, err := connectMQTT(broker, r.Config.Telemetry.MQTTClientID+"-remote")
		if err != nil {
			return nil, 0, nil, err
		}
		return manual.NewMQTTSource(client, rc.MQTTTopic, r.Bus, r.Clock), duration, func() {
			client.Disconnect(250)
		}, nil

	case SourceSerial:
		if rc.SerialPort == "" {
			return nil, 0, nil, errors.New("serial remote needs remote.serial_port")
		}
		return manual.NewSerialSource(rc.SerialPort, rc.BaudRate, r.Bus, r.Clock), duration, noop, nil

	case SourceProgram:
		if programPath == "" {
			return nil, 0, nil, errors.New("program remote needs a program file")
		}
		prog, err := LoadProgram(programPath)
		if err != nil {
			return nil, 0, nil, err
		}
		src, err := manual.NewProgramSource(prog.ManualSteps(), prog.Repeat, r.Bus, r.Clock)
		if err != nil {
			return nil, 0, nil, err
		}
		if duration == 0 && !prog.Repeat {
			duration = src.Total()
		}
		return src, duration, noop, nil
	}
	return nil, 0, nil, fmt.Errorf("unknown remote %q, want one of %v", name, Sources)
}
