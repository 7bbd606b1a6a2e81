package balance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/balance_bot/internal/event"
)

func TestProgramStepValid(t *testing.T) {
	assert.True(t, ProgramStep{Duration: time.Second, Pitch: 1, Yaw: -1}.Valid())
	assert.True(t, ProgramStep{}.Valid())
	assert.False(t, ProgramStep{Duration: -time.Second}.Valid())
	assert.False(t, ProgramStep{Duration: 2 * MaxStepTime}.Valid())
	assert.False(t, ProgramStep{Pitch: 1.5}.Valid())
	assert.False(t, ProgramStep{Yaw: -2}.Valid())
}

func TestRunProgramAppliesStepsInOrder(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	var skipped int
	r.bus.Subscribe(event.Log, func(event.Event) { skipped++ })

	steps := []ProgramStep{
		{Duration: time.Second, Pitch: 0.5, Yaw: 0},
		{Duration: time.Second, Pitch: 3},
		{Duration: 2 * time.Second, Pitch: -0.25, Yaw: 0.75},
	}
	done := make(chan error, 1)
	go func() { done <- r.ctl.RunProgram(context.Background(), steps, false) }()

	waitSetpoint := func(pitch, yaw float64) {
		require.Eventually(t, func() bool {
			s := r.ctl.State()
			return s.PitchSetpoint == pitch && s.YawSetpoint == yaw
		}, time.Second, time.Millisecond)
	}

	waitSetpoint(0.5, 0)
	r.clock.Advance(time.Second)
	waitSetpoint(-0.25, 0.75)
	r.clock.Advance(time.Second)

	select {
	case <-done:
		t.Fatal("program ended before its last step elapsed")
	case <-time.After(20 * time.Millisecond):
	}
	r.clock.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("program did not finish")
	}
	assert.Equal(t, 1, skipped)
	s := r.ctl.State()
	assert.Zero(t, s.PitchSetpoint)
	assert.Zero(t, s.YawSetpoint)
}

func TestRunProgramRepeatUntilCancel(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	ctx, cancel := context.WithCancel(context.Background())
	steps := []ProgramStep{{Duration: time.Second, Pitch: 0.1}, {Duration: time.Second, Pitch: 0.2}}

	done := make(chan error, 1)
	go func() { done <- r.ctl.RunProgram(ctx, steps, true) }()

	for i := 0; i < 5; i++ {
		want := steps[i%2].Pitch
		require.Eventually(t, func() bool { return r.ctl.State().PitchSetpoint == want }, time.Second, time.Millisecond)
		r.clock.Advance(time.Second)
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, r.ctl.State().PitchSetpoint)
}

func TestRunProgramRejectsEmpty(t *testing.T) {
	r := newRig(t, StaticParams(testParams()))
	err := r.ctl.RunProgram(context.Background(), []ProgramStep{{Pitch: 7}}, true)
	assert.ErrorIs(t, err, ErrEmptyProgram)
}
