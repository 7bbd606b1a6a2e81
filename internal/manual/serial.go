// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package manual

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// TypeNunchuck is the proprietary sentence sent by the micro:bit remote:
//
//	$PNCK,<x>,<y>,<c>,<z>*hh
//
// x and y are the joystick in [-1, 1], c and z the buttons (1 = held).
const TypeNunchuck = "PNCK"

// Nunchuck is one parsed remote reading.
type Nunchuck struct {
	nmea.BaseSentence
	X, Y float64
	C, Z bool
}

func parseNunchuck(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	n := Nunchuck{
		BaseSentence: s,
		X:            p.Float64(0, "x"),
		Y:            p.Float64(1, "y"),
		C:            p.Int64(2, "c") != 0,
		Z:            p.Int64(3, "z") != 0,
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	if n.X < -1 || n.X > 1 || n.Y < -1 || n.Y > 1 {
		return nil, fmt.Errorf("nmea: %s joystick out of range: %.3f,%.3f", TypeNunchuck, n.X, n.Y)
	}
	return n, nil
}

// newSentenceParser accepts $PNCK whichever way the prefix is split into
// talker and type.
func newSentenceParser() *nmea.SentenceParser {
	return &nmea.SentenceParser{
		CustomParsers: map[string]nmea.ParserFunc{
			TypeNunchuck:     parseNunchuck,
			TypeNunchuck[1:]: parseNunchuck,
		},
	}
}

// SerialSource is a PositionSource fed by a micro:bit Nunchuck remote on
// a serial port. Joystick y drives forward, x turns; holding C forces
// neutral.
type SerialSource struct {
	open       func() (io.ReadCloser, error)
	parser     *nmea.SentenceParser
	bus        *event.Bus
	clock      timeutil.Clock
	staleAfter time.Duration

	mu   sync.Mutex
	port io.ReadCloser
	done chan struct{}
	last Nunchuck
	have bool
	at   time.Time
}

// NewSerialSource opens portName at baud on Start.
func NewSerialSource(portName string, baud uint, bus *event.Bus, clock timeutil.Clock) *SerialSource {
	opts := serial.OpenOptions{
		PortName:        portName,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	return newSerialSource(func() (io.ReadCloser, error) { return serial.Open(opts) }, bus, clock)
}

func newSerialSource(open func() (io.ReadCloser, error), bus *event.Bus, clock timeutil.Clock) *SerialSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialSource{
		open:       open,
		parser:     newSentenceParser(),
		bus:        bus,
		clock:      clock,
		staleAfter: DefaultStaleAfter,
	}
}

func (s *SerialSource) Start() error {
	port, err := s.open()
	if err != nil {
		return fmt.Errorf("manual: open serial remote: %w", err)
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.port, s.done, s.have = port, done, false
	s.mu.Unlock()

	go s.readLoop(port, done)
	return nil
}

func (s *SerialSource) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)
	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.bus.Post(event.Manual, "serial remote read error: "+err.Error(), event.Debug)
			}
			return
		}
		if err := s.handleLine(line); err != nil {
			// partial lines are normal right after the port opens
			s.bus.Post(event.Manual, err.Error(), event.Debug)
		}
	}
}

func (s *SerialSource) handleLine(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil
	}
	sentence, err := s.parser.Parse(line)
	if err != nil {
		return err
	}
	n, ok := sentence.(Nunchuck)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.last, s.have, s.at = n, true, s.clock.Now()
	s.mu.Unlock()
	return nil
}

func (s *SerialSource) Position() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.have || s.clock.Since(s.at) > s.staleAfter {
		return 0, 0, ErrNoPosition
	}
	if s.last.C {
		return 0, 0, nil
	}
	return s.last.Y, s.last.X, nil
}

// serialStopTimeout bounds how long Stop waits for the reader. Closing a
// tty does not always unblock a pending read.
const serialStopTimeout = time.Second

// Stop closes the port and waits up to serialStopTimeout for the reader
// to exit.
func (s *SerialSource) Stop() error {
	s.mu.Lock()
	port, done := s.port, s.done
	s.port, s.done, s.have = nil, nil, false
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	select {
	case <-done:
	case <-s.clock.After(serialStopTimeout):
		s.bus.Post(event.Manual, "serial remote reader still blocked after close", event.Warning)
	}
	return err
}
