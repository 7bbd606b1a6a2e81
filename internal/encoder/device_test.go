package encoder

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/kinematics"
	"github.com/relabs-tech/balance_bot/internal/motion"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

var start = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// manualPulses hands the edge callback to the test.
type manualPulses struct {
	onEdge    func(time.Time)
	armed     bool
	closed    bool
	closeErr  error
	disarmErr error
}

func (m *manualPulses) Arm(f func(time.Time)) error { m.onEdge, m.armed = f, true; return nil }
func (m *manualPulses) Disarm() error               { m.armed = false; return m.disarmErr }
func (m *manualPulses) Close() error                { m.closed = true; return m.closeErr }

type memWriter struct {
	name    string
	records []kinematics.Record
	err     error
}

func (w *memWriter) WriteHistory(name string, recs []kinematics.Record) error {
	w.name, w.records = name, recs
	return w.err
}

func newDevice(t *testing.T, motor kinematics.DirectionSource, opts Options) (*Device, *manualPulses, *memWriter, *timeutil.MockClock) {
	t.Helper()
	bus := event.New(zerolog.Nop())
	clock := timeutil.NewMockClock(start)
	h := kinematics.New(bus, motor, kinematics.Options{Name: opts.Name})
	p := &manualPulses{}
	w := &memWriter{}
	return New(p, h, opts, bus, w, clock), p, w, clock
}

func TestEdgeDeltaFollowsSlotsAndDirection(t *testing.T) {
	m := motion.NewSimulator("left", nil)
	m.SetValue(0.3)

	full, p, _, _ := newDevice(t, m, Options{Name: "left", SlotsPerRevolution: 20})
	require.NoError(t, full.Start())
	p.onEdge(start.Add(10 * time.Millisecond))
	assert.InDelta(t, 0.05, full.History().Distance(), 1e-12)

	m.SetValue(-0.3)
	p.onEdge(start.Add(20 * time.Millisecond))
	p.onEdge(start.Add(30 * time.Millisecond))
	assert.InDelta(t, -0.05, full.History().Distance(), 1e-12)

	half, hp, _, _ := newDevice(t, m, Options{Name: "right", SlotsPerRevolution: 20, HalfSlot: true})
	require.NoError(t, half.Start())
	hp.onEdge(start.Add(10 * time.Millisecond))
	assert.InDelta(t, -0.025, half.History().Distance(), 1e-12)
}

func TestStartResetsAndRecordsOrigin(t *testing.T) {
	d, p, _, clock := newDevice(t, nil, Options{Name: "left"})
	require.NoError(t, d.Start())
	p.onEdge(start.Add(time.Second))
	d.Stop()
	assert.False(t, p.armed)
	assert.Equal(t, 2, d.History().Len(), "stop keeps history")

	clock.Advance(5 * time.Second)
	require.NoError(t, d.Start())
	recs := d.History().Records()
	require.Len(t, recs, 1)
	assert.Equal(t, start.Add(5*time.Second), recs[0].Time)
	assert.Zero(t, recs[0].Position)
	assert.True(t, d.Running())
	assert.ErrorIs(t, d.Start(), ErrRunning)
}

func TestStaleEdgeIsDropped(t *testing.T) {
	d, p, _, _ := newDevice(t, nil, Options{Name: "left"})
	require.NoError(t, d.Start())
	p.onEdge(start) // same instant as the origin
	assert.Equal(t, 1, d.Dropped())
	assert.Equal(t, 1, d.History().Len())
}

func TestCloseFlushesHistory(t *testing.T) {
	d, p, w, _ := newDevice(t, nil, Options{Name: "left"})
	require.NoError(t, d.Start())
	for i := 1; i <= 5; i++ {
		p.onEdge(start.Add(time.Duration(i) * 50 * time.Millisecond))
	}

	require.NoError(t, d.Close())
	assert.True(t, p.closed)
	assert.Equal(t, "left", w.name)
	require.Len(t, w.records, 6)
	for _, r := range w.records {
		assert.False(t, r.IsZero())
	}

	assert.ErrorIs(t, d.Close(), ErrClosed)
	assert.ErrorIs(t, d.Start(), ErrClosed)
}

func TestCloseReportsFailures(t *testing.T) {
	d, p, w, _ := newDevice(t, nil, Options{Name: "left"})
	p.closeErr = errors.New("pin busy")
	w.err = errors.New("disk full")
	err := d.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin busy")
	assert.Contains(t, err.Error(), "disk full")
}

func TestDisarmFailureIsReported(t *testing.T) {
	d, p, _, _ := newDevice(t, nil, Options{Name: "left"})
	var warnings []string
	d.bus.Subscribe(event.EncoderSensor, func(e event.Event) {
		if e.Level == event.Warning {
			warnings = append(warnings, e.Message)
		}
	})
	p.disarmErr = errors.New("pin stuck")

	require.NoError(t, d.Start())
	d.Stop()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "left disarm failed: pin stuck")

	err := d.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin stuck")
	assert.True(t, p.closed)
	assert.Len(t, warnings, 2)
}

func TestSimulatedPulsesFollowMotor(t *testing.T) {
	bus := event.New(zerolog.Nop())
	clock := timeutil.NewMockClock(start)
	m := motion.NewSimulator("left", nil)
	m.SetValue(0.5)

	h := kinematics.New(bus, m, kinematics.Options{Name: "left"})
	sim := NewSimulatedPulses(m, SimOptions{PulseWidth: 1.0 / 32, RevsPerOutput: 2, Clock: clock})
	d := New(sim, h, Options{Name: "left", SlotsPerRevolution: 16, HalfSlot: true}, bus, nil, clock)
	require.NoError(t, d.Start())
	defer d.Close()

	// one revolution per second at half output
	n := sim.Poll(start.Add(time.Second))
	assert.Equal(t, 32, n)
	assert.InDelta(t, 1.0, h.Distance(), 1e-9)
	assert.InDelta(t, 1.0, h.Speed(), 1e-6)
	assert.Zero(t, d.Dropped())

	m.SetValue(-0.25)
	n = sim.Poll(start.Add(2 * time.Second))
	assert.Equal(t, 16, n)
	assert.InDelta(t, 0.5, h.Distance(), 1e-9)

	m.SetValue(0)
	assert.Zero(t, sim.Poll(start.Add(3*time.Second)))
	assert.Equal(t, 48, sim.Edges())
}

func TestGPIOPulsesDeliverEdges(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", EdgesChan: make(chan gpio.Level)}
	g := NewGPIOPulses(pin, 5*time.Millisecond)

	got := make(chan time.Time, 4)
	require.NoError(t, g.Arm(func(ts time.Time) { got <- ts }))
	assert.Error(t, g.Arm(func(time.Time) {}))
	assert.Equal(t, gpio.PullUp, pin.Pull())

	pin.EdgesChan <- gpio.Low
	pin.EdgesChan <- gpio.High
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("edge not delivered")
		}
	}

	require.NoError(t, g.Disarm())
	require.NoError(t, g.Disarm())
	require.NoError(t, g.Close())
}
