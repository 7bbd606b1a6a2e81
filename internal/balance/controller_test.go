package balance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/motion"
	"github.com/relabs-tech/balance_bot/internal/orientation"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

type rig struct {
	bus    *event.Bus
	clock  *timeutil.MockClock
	sensor *orientation.Simulator
	left   *motion.Simulator
	right  *motion.Simulator
	ctl    *Controller
}

func testParams() Params {
	return Params{
		KProportional:   1,
		WindupRatio:     1,
		Left:            Bounds{Min: -1, Max: 1},
		Right:           Bounds{Min: -1, Max: 1},
		ControlInterval: 20 * time.Millisecond,
		ParamsInterval:  time.Second,
		Yield:           time.Millisecond,
	}
}

func newRig(t *testing.T, src ParamSource) *rig {
	t.Helper()
	r := &rig{
		bus:   event.New(zerolog.Nop()),
		clock: timeutil.NewMockClock(time.Unix(1000, 0)),
	}
	r.sensor = orientation.NewSimulator(r.bus, r.clock)
	r.sensor.SetPose(orientation.Pose{})
	r.left = motion.NewSimulator("left", r.bus)
	r.right = motion.NewSimulator("right", r.bus)
	ctl, err := New(r.sensor, r.left, r.right, src, r.bus, r.clock)
	require.NoError(t, err)
	r.ctl = ctl
	return r
}

func TestProportionalSaturates(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	r.sensor.SetPose(orientation.Pose{Pitch: 5})
	r.ctl.start(r.clock.Now())

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ctl.Tick(r.clock.Now()))
		r.clock.Advance(20 * time.Millisecond)
	}
	assert.Equal(t, 1.0, r.left.Value())
	assert.Equal(t, 1.0, r.right.Value())

	s := r.ctl.State()
	assert.Equal(t, 5.0, s.PitchLast)
	assert.Equal(t, 3, s.GoodReads)
}

func TestOutputAlwaysWithinBounds(t *testing.T) {
	p := testParams()
	p.KProportional = 1e308
	p.KIntegral = math.Inf(1)
	p.KDerivative = -1e308
	p.TurnGain = 1e300
	p.Left = Bounds{Min: -0.3, Max: 0.8}
	p.Right = Bounds{Min: 0.1, Max: 0.4}
	r := newRig(t, StaticParams(p))
	r.ctl.SetSetpoint(0, 1)

	for _, pitch := range []float64{0, 5, -5, 1e300, -1e300, 0.001, 0, -90, math.NaN(), 42} {
		r.sensor.SetPose(orientation.Pose{Pitch: pitch})
		require.NoError(t, r.ctl.Tick(r.clock.Now()))
		s := r.ctl.State()
		assert.False(t, math.IsNaN(s.LeftOutput), "pitch %v", pitch)
		assert.GreaterOrEqual(t, s.LeftOutput, -0.3, "pitch %v", pitch)
		assert.LessOrEqual(t, s.LeftOutput, 0.8, "pitch %v", pitch)
		assert.GreaterOrEqual(t, s.RightOutput, 0.1, "pitch %v", pitch)
		assert.LessOrEqual(t, s.RightOutput, 0.4, "pitch %v", pitch)
		assert.Equal(t, s.LeftOutput, r.left.Value())
		assert.Equal(t, s.RightOutput, r.right.Value())
	}
}

func TestIntegrate(t *testing.T) {
	// empty integral accumulates
	assert.Equal(t, 1.0, integrate(0, 2, 0.5, 1))
	// error outpacing the integral keeps accumulating
	assert.Equal(t, 2.0, integrate(1, 2, 0.5, 1))
	// error falling behind restarts from the current contribution
	assert.Equal(t, 0.5, integrate(2, 1, 0.5, 1))
	// sign change restarts as well
	assert.Equal(t, -0.5, integrate(2, -1, 0.5, 1))
	assert.Equal(t, 0.0, integrate(1, math.Inf(1), math.Inf(1), 1))
	assert.Equal(t, 0.0, integrate(0, 1, math.NaN(), 1))
}

func TestTurnTerm(t *testing.T) {
	p := testParams()
	p.KProportional = 0.1
	p.TurnGain = 0.2
	r := newRig(t, StaticParams(p))
	r.sensor.SetPose(orientation.Pose{Pitch: 2})
	r.ctl.start(r.clock.Now())
	r.ctl.SetSetpoint(0, 1)

	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	assert.InDelta(t, 0.4, r.left.Value(), 1e-12)
	assert.InDelta(t, 0.0, r.right.Value(), 1e-12)
}

func TestTransientFaultReusesLastPose(t *testing.T) {
	var warnings int
	r := newRig(t, StaticParams(testParams()))
	r.bus.Subscribe(event.OrientationSensor, func(e event.Event) {
		if e.Level == event.Warning {
			warnings++
		}
	})
	r.sensor.SetPose(orientation.Pose{Pitch: 0.25})
	require.NoError(t, r.ctl.Tick(r.clock.Now()))

	r.sensor.SetPose(orientation.Pose{Pitch: -3})
	r.sensor.FailNext(2)
	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	require.NoError(t, r.ctl.Tick(r.clock.Now()))

	s := r.ctl.State()
	assert.Equal(t, 0.25, s.Pose.Pitch)
	assert.Equal(t, 0.25, r.left.Value())
	assert.Equal(t, 1, s.GoodReads)
	assert.Equal(t, 2, s.BadReads)
	assert.Equal(t, 2, s.ConsecutiveFaults)
	// one from the simulator and one from the controller per failed read
	assert.Equal(t, 4, warnings)

	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	assert.Equal(t, 0, r.ctl.State().ConsecutiveFaults)
	assert.Equal(t, -1.0, r.left.Value())
}

func TestSensorLostStopsMotors(t *testing.T) {
	p := testParams()
	p.MaxConsecutiveFaults = 3
	r := newRig(t, StaticParams(p))
	r.sensor.SetPose(orientation.Pose{Pitch: 0.5})
	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	require.Equal(t, 0.5, r.left.Value())

	r.sensor.FailNext(10)
	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	require.NoError(t, r.ctl.Tick(r.clock.Now()))
	err := r.ctl.Tick(r.clock.Now())
	require.ErrorIs(t, err, ErrSensorLost)
	assert.ErrorIs(t, err, orientation.ErrUnavailable)
	assert.Equal(t, 0.0, r.left.Value())
	assert.Equal(t, 0.0, r.right.Value())
}

type flakyParams struct {
	mu    sync.Mutex
	calls int
	p     Params
	fail  bool
}

func (f *flakyParams) Params() (Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return Params{}, errors.New("config: malformed")
	}
	return f.p, nil
}

func TestRefreshKeepsPreviousOnError(t *testing.T) {
	src := &flakyParams{p: testParams()}
	r := newRig(t, src)
	var configWarnings []string
	r.bus.Subscribe(event.Config, func(e event.Event) {
		if e.Level == event.Warning {
			configWarnings = append(configWarnings, e.Message)
		}
	})
	r.ctl.start(r.clock.Now())

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	r.clock.Advance(time.Second)
	require.NoError(t, r.ctl.Step(r.clock.Now()))
	assert.Len(t, configWarnings, 1)
	assert.Equal(t, testParams(), r.ctl.State().Params)

	src.mu.Lock()
	src.fail = false
	src.p.KProportional = 0.5
	src.mu.Unlock()

	// refresh not due yet
	r.clock.Advance(500 * time.Millisecond)
	require.NoError(t, r.ctl.Step(r.clock.Now()))
	assert.Equal(t, 1.0, r.ctl.State().Params.KProportional)

	r.clock.Advance(500 * time.Millisecond)
	require.NoError(t, r.ctl.Step(r.clock.Now()))
	assert.Equal(t, 0.5, r.ctl.State().Params.KProportional)
	assert.Equal(t, 3, src.calls)
}

func TestStepHonoursControlInterval(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	r.ctl.start(r.clock.Now())

	require.NoError(t, r.ctl.Step(r.clock.Now()))
	first := r.ctl.State().LastTick
	r.clock.Advance(10 * time.Millisecond)
	require.NoError(t, r.ctl.Step(r.clock.Now()))
	assert.Equal(t, first, r.ctl.State().LastTick)
	r.clock.Advance(10 * time.Millisecond)
	require.NoError(t, r.ctl.Step(r.clock.Now()))
	assert.Equal(t, first.Add(20*time.Millisecond), r.ctl.State().LastTick)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	r.sensor.SetPose(orientation.Pose{Pitch: 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int
	var nested error
	r.bus.Subscribe(event.Balance, func(e event.Event) {
		if e.Level != event.Debug {
			return
		}
		ticks++
		if ticks == 1 {
			nested = r.ctl.Run(ctx)
		}
		if ticks == 5 {
			cancel()
		}
	})

	require.NoError(t, r.ctl.Run(ctx))
	assert.ErrorIs(t, nested, ErrRunning)
	assert.Equal(t, 5, ticks)
	assert.False(t, r.ctl.Running())
	assert.Equal(t, 0.0, r.left.Value())
	assert.Equal(t, 0.0, r.right.Value())
	// the loop yields between iterations and ticks on the control interval
	assert.GreaterOrEqual(t, r.clock.Since(time.Unix(1000, 0)), 80*time.Millisecond)
	for _, d := range r.clock.Sleeps() {
		assert.Equal(t, time.Millisecond, d)
	}
}

func TestRunReturnsSensorLost(t *testing.T) {
	p := testParams()
	p.MaxConsecutiveFaults = 2
	r := newRig(t, StaticParams(p))
	r.sensor.FailNext(100)

	err := r.ctl.Run(context.Background())
	assert.ErrorIs(t, err, ErrSensorLost)
	assert.False(t, r.ctl.Running())
}

func TestNewRequiresParams(t *testing.T) {
	_, err := New(orientation.NewSimulator(nil, nil), motion.NewSimulator("l", nil), motion.NewSimulator("r", nil),
		&flakyParams{fail: true}, nil, nil)
	assert.Error(t, err)
}
