// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package app wires configuration, hardware (or its simulation) and
// telemetry together for the robot binaries.
package app

import (
	"errors"
	"fmt"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/balance_bot/internal/config"
	"github.com/relabs-tech/balance_bot/internal/encoder"
	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/kinematics"
	"github.com/relabs-tech/balance_bot/internal/logging"
	"github.com/relabs-tech/balance_bot/internal/motion"
	"github.com/relabs-tech/balance_bot/internal/orientation"
	"github.com/relabs-tech/balance_bot/internal/telemetry"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// IMU is an orientation source whose calibration can be managed.
type IMU interface {
	orientation.Source
	orientation.Calibrator
}

// Robot owns every part of one run. Close releases them in reverse order
// of construction.
type Robot struct {
	Config *config.Config
	Log    zerolog.Logger
	RunID  string
	Bus    *event.Bus
	Clock  timeutil.Clock

	Left, Right               motion.Source
	LeftEncoder, RightEncoder *encoder.Device
	Orientation               IMU
	Relay                     motion.Switch
	History                   *telemetry.CSVHistoryWriter
	Display                   *telemetry.DisplaySink

	closers []func() error
}

// Build constructs the robot described by cfg: simulated parts when
// cfg.Simulate is set, periph devices otherwise. Any part that fails to
// come up is fatal and everything built so far is released.
func Build(cfg *config.Config, log zerolog.Logger) (*Robot, error) {
	r := &Robot{
		Config: cfg,
		Log:    log,
		RunID:  telemetry.NewRunID(),
		Clock:  timeutil.RealClock{},
	}
	r.Bus = event.New(logging.Component(log, "event"))
	if err := r.build(); err != nil {
		r.Close()
		return nil, err
	}
	log.Info().
		Str("run_id", r.RunID).
		Bool("simulate", cfg.Simulate).
		Msg("robot ready")
	return r, nil
}

func (r *Robot) build() error {
	if err := r.buildSinks(); err != nil {
		return err
	}
	if r.Config.Simulate {
		r.buildSimulated()
	} else if err := r.buildHardware(); err != nil {
		return err
	}
	r.loadCalibration()
	return nil
}

func (r *Robot) onClose(f func() error) {
	r.closers = append(r.closers, f)
}

func (r *Robot) buildSinks() error {
	tc := r.Config.Telemetry

	if tc.LogDir != "" {
		files, err := telemetry.NewFileSink(tc.LogDir, r.RunID, logging.Component(r.Log, "telemetry"))
		if err != nil {
			return err
		}
		files.Subscribe(r.Bus)
		r.onClose(files.Close)
	}

	if len(tc.ConsoleEvents) > 0 {
		types, err := event.ParseTypes(tc.ConsoleEvents)
		if err != nil {
			return fmt.Errorf("%w: telemetry.console_events: %v", config.ErrInvalid, err)
		}
		telemetry.NewConsoleSink(logging.Component(r.Log, "events")).Subscribe(r.Bus, types...)
	}

	if tc.MQTTBroker != "" {
		client, err := connectMQTT(tc.MQTTBroker, tc.MQTTClientID+"-"+telemetry.ShortID(r.RunID))
		if err != nil {
			return err
		}
		telemetry.NewMQTTSink(client, tc.MQTTTopicPrefix, r.RunID).Subscribe(r.Bus)
		r.onClose(func() error {
			client.Disconnect(250)
			return nil
		})
		r.Log.Info().Str("broker", tc.MQTTBroker).Str("prefix", tc.MQTTTopicPrefix).Msg("publishing telemetry over MQTT")
	}

	if tc.DisplayI2CBus != "" {
		display, err := telemetry.OpenDisplay(tc.DisplayI2CBus, tc.DisplayRefresh)
		if err != nil {
			// the display is a convenience, the robot runs without it
			r.Log.Warn().Err(err).Msg("display not available")
		} else {
			display.Subscribe(r.Bus)
			display.Start()
			r.Display = display
			r.onClose(display.Close)
		}
	}

	r.History = telemetry.NewCSVHistoryWriter(tc.HistoryDir, r.RunID)
	return nil
}

func (r *Robot) history(name string, direction kinematics.DirectionSource) *kinematics.History {
	ec := r.Config.Encoder
	return kinematics.New(r.Bus, direction, kinematics.Options{
		Name:            name,
		Capacity:        ec.HistoryCapacity,
		AverageDuration: ec.AverageDuration,
		ModeSampleLimit: ec.ModeSampleLimit,
	})
}

func (r *Robot) encoderOptions(name string) encoder.Options {
	return encoder.Options{
		Name:               name,
		SlotsPerRevolution: r.Config.Encoder.SlotsPerRevolution,
		HalfSlot:           r.Config.Encoder.HalfSlot,
	}
}

func (r *Robot) buildSimulated() {
	ec := r.Config.Encoder
	width := 1 / float64(ec.SlotsPerRevolution)
	if ec.HalfSlot {
		width /= 2
	}

	left := motion.NewSimulator("left", r.Bus)
	right := motion.NewSimulator("right", r.Bus)
	r.Left, r.Right = left, right

	wheel := func(name string, m *motion.Simulator) *encoder.Device {
		pulses := encoder.NewSimulatedPulses(m, encoder.SimOptions{
			PulseWidth:      width,
			RevsPerOutput:   ec.PositionChangePerOutput,
			SampleFrequency: ec.SampleFrequencyHz,
			Clock:           r.Clock,
		})
		d := encoder.New(pulses, r.history(name, m), r.encoderOptions(name), r.Bus, r.History, r.Clock)
		r.onClose(d.Close)
		return d
	}
	r.LeftEncoder = wheel("left", left)
	r.RightEncoder = wheel("right", right)

	r.Orientation = orientation.NewSimulator(r.Bus, r.Clock)
	relay := motion.NewSimulatedRelay(r.Bus)
	r.Relay = relay
	r.onClose(relay.Close)
	r.onClose(func() error {
		motion.StopAll(left, right)
		return nil
	})
}

func (r *Robot) buildHardware() error {
	wc := r.Config.Wheels

	motor := func(name string, w config.Wheel) (*motion.GPIOMotor, error) {
		m, err := motion.OpenGPIOMotor(name, w.ForwardPin, w.BackwardPin, physic.Frequency(w.PWMFrequencyHz)*physic.Hertz, r.Bus)
		if err != nil {
			return nil, err
		}
		r.onClose(m.Close)
		return m, nil
	}
	left, err := motor("left", wc.Left)
	if err != nil {
		return err
	}
	right, err := motor("right", wc.Right)
	if err != nil {
		return err
	}
	r.Left, r.Right = left, right

	wheel := func(name string, m *motion.GPIOMotor, pin string) (*encoder.Device, error) {
		pulses, err := encoder.OpenGPIOPulses(pin)
		if err != nil {
			return nil, err
		}
		d := encoder.New(pulses, r.history(name, m), r.encoderOptions(name), r.Bus, r.History, r.Clock)
		r.onClose(d.Close)
		return d, nil
	}
	if r.LeftEncoder, err = wheel("left", left, wc.Left.EncoderPin); err != nil {
		return err
	}
	if r.RightEncoder, err = wheel("right", right, wc.Right.EncoderPin); err != nil {
		return err
	}

	oc := r.Config.Orientation
	imu, err := orientation.OpenIMU(orientation.IMUOptions{
		Name:         "robot",
		SPIDevice:    oc.SPIDevice,
		CSPin:        oc.CSPin,
		BMPSPIDevice: oc.BMPSPIDevice,
		AxisOrder:    r.Config.AxisOrder(),
		AccelRange:   byte(oc.AccelRange),
		GyroRange:    byte(oc.GyroRange),
	}, r.Bus, r.Clock)
	if err != nil {
		return err
	}
	r.Orientation = imu

	relay, err := motion.OpenRelay(wc.RelayPin, r.Bus)
	if err != nil {
		return err
	}
	r.Relay = relay
	r.onClose(relay.Close)
	return nil
}

// loadCalibration applies the saved calibration if there is one. A
// missing file is normal before the first calibration run.
func (r *Robot) loadCalibration() {
	path := r.Config.Orientation.CalibrationFile
	if path == "" {
		return
	}
	c, err := orientation.LoadCalibration(path)
	if errors.Is(err, os.ErrNotExist) {
		r.Bus.Post(event.OrientationSensor, "no saved calibration at "+path, event.Info)
		return
	}
	if err == nil {
		err = r.Orientation.SetCalibration(c)
	}
	if err != nil {
		r.Bus.Post(event.OrientationSensor, fmt.Sprintf("calibration %s ignored: %v", path, err), event.Warning)
		return
	}
	r.Bus.Post(event.OrientationSensor, "calibration loaded from "+path, event.Info)
}

// StartEncoders arms both wheel encoders.
func (r *Robot) StartEncoders() error {
	if err := r.LeftEncoder.Start(); err != nil {
		return err
	}
	if err := r.RightEncoder.Start(); err != nil {
		r.LeftEncoder.Stop()
		return err
	}
	return nil
}

// StopEncoders disarms both wheel encoders, keeping their histories.
func (r *Robot) StopEncoders() {
	r.LeftEncoder.Stop()
	r.RightEncoder.Stop()
}

// Close stops the motors, flushes the encoder histories and releases
// the sinks. It is safe to call more than once.
func (r *Robot) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && !errors.Is(err, encoder.ErrClosed) {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}
