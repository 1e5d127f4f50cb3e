package guider

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetCalibrationAmount(t *testing.T) {
	tests := []struct {
		name          string
		amount        int
		expected      int
		expectInvalid bool
	}{
		{name: "Valid amount", amount: 8, expected: 8},
		{name: "One step", amount: 1, expected: 1},
		{name: "Zero restores default", amount: 0, expected: DefaultCalibrationAmount, expectInvalid: true},
		{name: "Negative restores default", amount: -3, expected: DefaultCalibrationAmount, expectInvalid: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			g := NewStepGuider(newFakeAO(45), store, nil)
			sink := &recordingSink{}
			g.SetEvents(sink)

			err := g.SetCalibrationAmount(tc.amount)
			if tc.expectInvalid {
				assert.True(t, IsKind(err, KindValidation), "expected validation error, got %v", err)
				assert.Len(t, sink.ofType(EventValidationReported), 1)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tc.expected, g.CalibrationAmount())
			stored, err := store.CalibrationAmount("fakeao")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, stored)
		})
	}
}

func TestNewStepGuiderLoadsSettings(t *testing.T) {
	store := newMemStore()
	store.amounts["fakeao"] = 7
	store.cals["fakeao"] = Calibration{XRate: 1, YRate: 2}

	g := NewStepGuider(newFakeAO(45), store, nil)
	assert.Equal(t, 7, g.CalibrationAmount())

	cal, ok := g.Calibration()
	assert.True(t, ok)
	assert.Equal(t, 2.0, cal.YRate)
}

func TestNewStepGuiderRejectsStoredInvalidAmount(t *testing.T) {
	store := newMemStore()
	store.amounts["fakeao"] = -1

	g := NewStepGuider(newFakeAO(45), store, nil)
	assert.Equal(t, DefaultCalibrationAmount, g.CalibrationAmount())
	assert.Equal(t, DefaultCalibrationAmount, store.amounts["fakeao"])
}

func TestCalibrationTime(t *testing.T) {
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	require.NoError(t, g.SetCalibrationAmount(4))
	assert.Equal(t, 40, g.CalibrationTime(10))
}

func TestIsAtCalibrationLimit(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		position int
		dir      Direction
		expected bool
	}{
		{name: "Centre", max: 100, position: 0, dir: North, expected: false},
		{name: "Below limit", max: 100, position: 78, dir: North, expected: false},
		{name: "At limit", max: 100, position: 79, dir: North, expected: true},
		{name: "Beyond limit", max: 100, position: 90, dir: North, expected: true},
		{name: "Opposite side", max: 100, position: -90, dir: North, expected: false},
		{name: "South uses negative position", max: 100, position: -80, dir: South, expected: true},
		{name: "Small travel", max: 45, position: 35, dir: North, expected: false},
		{name: "Small travel at limit", max: 45, position: 36, dir: North, expected: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewStepGuider(newFakeAO(tc.max), newMemStore(), nil)
			g.position[AxisNS] = tc.position
			assert.Equal(t, tc.expected, g.IsAtCalibrationLimit(tc.dir))
		})
	}
}

func TestCurrentPosition(t *testing.T) {
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	g.position = [2]int{-12, 7}

	assert.Equal(t, -12, g.CurrentPosition(North))
	assert.Equal(t, 12, g.CurrentPosition(South))
	assert.Equal(t, 7, g.CurrentPosition(East))
	assert.Equal(t, -7, g.CurrentPosition(West))
}

func TestCalibrationMoveIssuesAmount(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	require.NoError(t, g.SetCalibrationAmount(6))

	require.NoError(t, g.CalibrationMove(West))

	assert.Equal(t, []stepCall{{West, 6}}, ao.stepCalls())
	assert.Equal(t, 6, g.CurrentPosition(West))
}

func TestCalibrationLimitReachedOnSixteenthMove(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	require.NoError(t, g.SetCalibrationAmount(5))

	for i := 0; i < 15; i++ {
		require.NoError(t, g.CalibrationMove(North))
	}
	assert.Equal(t, 75, g.CurrentPosition(North))
	assert.False(t, g.IsAtCalibrationLimit(North))

	require.NoError(t, g.CalibrationMove(North))
	assert.Equal(t, 80, g.CurrentPosition(North))
	assert.True(t, g.IsAtCalibrationLimit(North))
}

func TestStepRefusesBeyondTravel(t *testing.T) {
	ao := newFakeAO(10)
	g := connectedGuider(t, ao, newMemStore())

	require.NoError(t, g.Step(East, 8))
	err := g.Step(East, 3)

	assert.True(t, errors.Is(err, ErrLimitReached))
	assert.True(t, IsKind(err, KindStep))
	assert.Equal(t, 8, g.CurrentPosition(East))
	assert.Len(t, ao.stepCalls(), 1)
}

func TestStepSyncsReportedPosition(t *testing.T) {
	ao := newFakeAO(45)
	ao.caps.CanReportPosition = true
	g := connectedGuider(t, ao, newMemStore())

	ao.pos[AxisEW] = 3
	require.NoError(t, g.Step(East, 2))
	assert.Equal(t, 5, g.Position(AxisEW))
}

func TestStepNotConnected(t *testing.T) {
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	err := g.Step(North, 1)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestMoveRounding(t *testing.T) {
	tests := []struct {
		name      string
		amount    float64
		expected  int
		stepCount int
	}{
		{name: "Below half issues nothing", amount: 0.4, expected: 0, stepCount: 0},
		{name: "Zero issues nothing", amount: 0, expected: 0, stepCount: 0},
		{name: "Half rounds up", amount: 0.5, expected: 1, stepCount: 1},
		{name: "Rounds to nearest", amount: 2.6, expected: 3, stepCount: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ao := newFakeAO(45)
			g := connectedGuider(t, ao, newMemStore())

			n, err := g.Move(North, tc.amount, true)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, n)
			assert.Len(t, ao.stepCalls(), tc.stepCount)
		})
	}
}

func TestMoveInvalidAmount(t *testing.T) {
	g := connectedGuider(t, newFakeAO(45), newMemStore())

	n, err := g.Move(North, -1, true)
	assert.Equal(t, -1, n)
	assert.True(t, IsKind(err, KindMove))
	assert.True(t, IsKind(err, KindValidation))
}

func TestMoveStepFailure(t *testing.T) {
	ao := newFakeAO(45)
	ao.stepErr = errors.New("serial timeout")
	g := connectedGuider(t, ao, newMemStore())

	n, err := g.Move(East, 3, true)
	assert.Equal(t, -1, n)
	assert.True(t, IsKind(err, KindMove))
	assert.True(t, IsKind(err, KindStep))
	assert.Equal(t, 0, g.Position(AxisEW))
}

func TestMoveGuidingDisabled(t *testing.T) {
	ao := newFakeAO(45)
	g := connectedGuider(t, ao, newMemStore())
	g.SetGuidingEnabled(false)

	n, err := g.Move(North, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, ao.stepCalls())
}

func TestMoveHandoff(t *testing.T) {
	tests := []struct {
		name          string
		busy          bool
		position      int
		amount        float64
		expectedCalls int
	}{
		{name: "Idle primary beyond threshold", position: 70, amount: 6, expectedCalls: 1},
		{name: "Busy primary beyond threshold", busy: true, position: 70, amount: 6, expectedCalls: 0},
		{name: "Idle primary at threshold", position: 70, amount: 5, expectedCalls: 0},
		{name: "Idle primary below threshold", position: 10, amount: 5, expectedCalls: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ao := newFakeAO(100)
			g := connectedGuider(t, ao, newMemStore())
			require.NoError(t, g.setCalibration(Calibration{XRate: 1, YRate: 1}))
			g.position[AxisNS] = tc.position

			drv := newFakeScope()
			drv.setGuiding(tc.busy)
			scope := connectedScope(t, drv)

			sched := &recordingScheduler{}
			g.attach(scope, sched)

			n, err := g.Move(North, tc.amount, true)
			require.NoError(t, err)
			assert.Equal(t, int(tc.amount), n)
			assert.Equal(t, tc.expectedCalls, sched.count())
		})
	}
}

func TestHandoffPairsNorthWithDecRate(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	require.NoError(t, g.setCalibration(Calibration{XRate: 1, YRate: 1}))
	g.position = [2]int{70, 0}

	drv := newFakeScope()
	drv.raRate = 0.004
	drv.decRate = 0.002
	scope := connectedScope(t, drv)
	sched := &recordingScheduler{}
	g.attach(scope, sched)

	_, err := g.Move(North, 10, true)
	require.NoError(t, err)
	require.Equal(t, 1, sched.count())

	call := sched.calls[0]
	assert.Same(t, scope, call.scope)
	assert.False(t, call.normal)
	assert.InDelta(t, 80*0.002, call.offset.RA, 1e-9)
	assert.InDelta(t, 0, call.offset.Dec, 1e-9)
}

func TestHandoffWithoutGuideRatesFails(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	g.position[AxisNS] = 70

	drv := newFakeScope()
	drv.caps.CanGetGuideRates = false
	scope := connectedScope(t, drv)
	sched := &recordingScheduler{}
	g.attach(scope, sched)

	n, err := g.Move(North, 10, true)
	assert.Equal(t, -1, n)
	assert.True(t, IsKind(err, KindMove))
	assert.True(t, IsKind(err, KindTransform))
	assert.Equal(t, 0, sched.count())
}

func TestHandoffWithoutPrimary(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	g.position[AxisNS] = 70

	n, err := g.Move(North, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestCenter(t *testing.T) {
	t.Run("Steps back without hardware centre", func(t *testing.T) {
		ao := newFakeAO(45)
		g := connectedGuider(t, ao, newMemStore())
		require.NoError(t, g.Step(North, 4))
		require.NoError(t, g.Step(West, 3))

		require.NoError(t, g.Center())
		assert.Equal(t, 0, g.Position(AxisNS))
		assert.Equal(t, 0, g.Position(AxisEW))
		calls := ao.stepCalls()
		assert.Equal(t, stepCall{South, 4}, calls[2])
		assert.Equal(t, stepCall{East, 3}, calls[3])
	})

	t.Run("Uses hardware centre", func(t *testing.T) {
		ao := newFakeAO(45)
		ao.caps.CanCenter = true
		g := connectedGuider(t, ao, newMemStore())
		require.NoError(t, g.Step(North, 4))

		require.NoError(t, g.Center())
		assert.Equal(t, 1, ao.centers)
		assert.Equal(t, 0, g.Position(AxisNS))
	})
}

func TestDisconnectDuringStep(t *testing.T) {
	ao := newFakeAO(45)
	ao.block = make(chan struct{})
	ao.started = make(chan struct{})
	g := connectedGuider(t, ao, newMemStore())

	done := make(chan error, 1)
	go func() {
		done <- g.Step(North, 2)
	}()

	<-ao.started
	assert.True(t, g.InFlight())

	require.NoError(t, g.Disconnect())

	select {
	case err := <-done:
		assert.True(t, IsKind(err, KindStep))
	case <-time.After(time.Second):
		t.Fatal("step did not return after disconnect")
	}

	assert.False(t, g.IsConnected())
	assert.False(t, g.InFlight())
	assert.False(t, ao.Connected())
}

func TestConnectTwice(t *testing.T) {
	g := connectedGuider(t, newFakeAO(45), newMemStore())
	err := g.Connect()
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.True(t, IsKind(err, KindConnect))
}

func TestDisconnectNotConnected(t *testing.T) {
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	err := g.Disconnect()
	assert.True(t, IsKind(err, KindDisconnect))
}

func TestBacklashClearingFailed(t *testing.T) {
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	sink := &recordingSink{}
	g.SetEvents(sink)

	cause := errors.New("serial timeout")
	err := g.BacklashClearingFailed(cause)
	assert.True(t, IsKind(err, KindBacklash))
	assert.True(t, IsKind(err, KindCalibration))
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "serial timeout")
	assert.Len(t, sink.ofType(EventCalibrationFailed), 1)

	err = g.BacklashClearingFailed(nil)
	assert.True(t, IsKind(err, KindBacklash))
}

func TestConcurrentStepsKeepPosition(t *testing.T) {
	ao := newFakeAO(100)
	ao.delay = 20 * time.Millisecond
	g := connectedGuider(t, ao, newMemStore())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Step(North, 5)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 10, ao.hardwarePosition(AxisNS))
	assert.Equal(t, 10, g.Position(AxisNS))
}

func TestConcurrentStepsRespectTravel(t *testing.T) {
	ao := newFakeAO(100)
	ao.delay = 20 * time.Millisecond
	g := connectedGuider(t, ao, newMemStore())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Step(North, 60)
		}()
	}
	wg.Wait()

	var refused int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrLimitReached)
			refused++
		}
	}
	assert.Equal(t, 1, refused)
	assert.Equal(t, 60, ao.hardwarePosition(AxisNS))
	assert.Equal(t, 60, g.Position(AxisNS))
}

func TestMoveZeroStepsHandsOff(t *testing.T) {
	ao := newFakeAO(100)
	g := connectedGuider(t, ao, newMemStore())
	require.NoError(t, g.setCalibration(Calibration{XRate: 1, YRate: 1}))
	g.position[AxisNS] = 80

	scope := connectedScope(t, newFakeScope())
	sched := &recordingScheduler{}
	g.attach(scope, sched)

	n, err := g.Move(North, 0.4, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, ao.stepCalls())
	assert.Equal(t, 1, sched.count())
}

func TestMoveWhileCalibrating(t *testing.T) {
	ao := newFakeAO(45)
	g := connectedGuider(t, ao, newMemStore())
	g.setCalibrating(true)

	n, err := g.Move(North, 3, true)
	assert.Equal(t, -1, n)
	assert.True(t, IsKind(err, KindMove))
	assert.ErrorIs(t, err, ErrCalibrating)
	assert.Empty(t, ao.stepCalls())

	g.setCalibrating(false)
	n, err = g.Move(North, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
