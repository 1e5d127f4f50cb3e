package guider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionConnect(t *testing.T) {
	store := newMemStore()
	sched := &recordingScheduler{}
	s := NewSession(sched, store, nil)

	scope := NewScope(newFakeScope(), nil)
	require.NoError(t, s.ConnectPrimary(scope))

	g := NewStepGuider(newFakeAO(45), store, nil)
	require.NoError(t, s.ConnectSecondary(g))

	assert.Same(t, scope, s.Primary())
	assert.Same(t, g, s.Secondary())
	assert.Same(t, scope, g.primary)
	assert.Equal(t, "fake scope", store.last[RolePrimary])
	assert.Equal(t, "fake ao", store.last[RoleSecondary])
}

func TestSessionReplacesSecondary(t *testing.T) {
	s := NewSession(&recordingScheduler{}, newMemStore(), nil)
	require.NoError(t, s.ConnectPrimary(NewScope(newFakeScope(), nil)))

	first := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	second := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	require.NoError(t, s.ConnectSecondary(first))
	require.NoError(t, s.ConnectSecondary(second))

	assert.False(t, first.IsConnected())
	assert.Nil(t, first.primary)
	assert.Same(t, second, s.Secondary())
}

func TestSessionFailedSecondaryLeavesPrimaryOnly(t *testing.T) {
	s := NewSession(&recordingScheduler{}, newMemStore(), nil)
	scope := NewScope(newFakeScope(), nil)
	require.NoError(t, s.ConnectPrimary(scope))

	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	require.NoError(t, g.Connect())
	require.NoError(t, s.ConnectSecondary(g))

	ao := newFakeAO(45)
	ao.connectErr = errors.New("port busy")
	err := s.ConnectSecondary(NewStepGuider(ao, newMemStore(), nil))
	assert.True(t, IsKind(err, KindConnect))

	assert.Nil(t, s.Secondary())
	assert.Same(t, scope, s.Primary())
	assert.False(t, g.IsConnected())
}

func TestSessionDisconnect(t *testing.T) {
	s := NewSession(&recordingScheduler{}, nil, nil)

	assert.True(t, IsKind(s.DisconnectPrimary(), KindDisconnect))
	assert.True(t, IsKind(s.DisconnectSecondary(), KindDisconnect))

	scope := NewScope(newFakeScope(), nil)
	g := NewStepGuider(newFakeAO(45), newMemStore(), nil)
	require.NoError(t, s.ConnectPrimary(scope))
	require.NoError(t, s.ConnectSecondary(g))

	require.NoError(t, s.DisconnectPrimary())
	assert.Nil(t, g.primary)
	assert.True(t, g.IsConnected())

	require.NoError(t, s.Close())
	assert.False(t, g.IsConnected())
	assert.Nil(t, s.Secondary())
}

func TestDispatch(t *testing.T) {
	t.Run("Routes to step guider", func(t *testing.T) {
		ao := newFakeAO(45)
		drv := newFakeScope()
		s := NewSession(&recordingScheduler{}, nil, nil)
		require.NoError(t, s.ConnectPrimary(NewScope(drv, nil)))
		require.NoError(t, s.ConnectSecondary(NewStepGuider(ao, newMemStore(), nil)))

		n, err := NewDispatcher(s, nil).Dispatch(Correction{Direction: East, Amount: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Len(t, ao.stepCalls(), 1)
		assert.Empty(t, drv.pulseCalls())
	})

	t.Run("Routes to primary without step guider", func(t *testing.T) {
		drv := newFakeScope()
		s := NewSession(&recordingScheduler{}, nil, nil)
		require.NoError(t, s.ConnectPrimary(NewScope(drv, nil)))

		n, err := NewDispatcher(s, nil).Dispatch(Correction{Direction: North, Amount: 15})
		require.NoError(t, err)
		assert.Equal(t, 15, n)
		assert.Equal(t, []pulseCall{{North, 15 * time.Millisecond}}, drv.pulseCalls())
	})

	t.Run("No device", func(t *testing.T) {
		s := NewSession(&recordingScheduler{}, nil, nil)
		n, err := NewDispatcher(s, nil).Dispatch(Correction{Direction: North, Amount: 1})
		assert.Equal(t, -1, n)
		assert.True(t, errors.Is(err, ErrNotConnected))
	})
}

func TestLoopCycle(t *testing.T) {
	ao := newFakeAO(45)
	store := newMemStore()
	store.cals["fakeao"] = Calibration{XRate: 1, YRate: 1, YAngle: 1.5707963267948966}

	s := NewSession(&recordingScheduler{}, nil, nil)
	require.NoError(t, s.ConnectPrimary(NewScope(newFakeScope(), nil)))
	g := NewStepGuider(ao, store, nil)
	require.NoError(t, s.ConnectSecondary(g))

	loc := &sequenceLocator{points: []Point{{X: 10, Y: 10}, {X: 12, Y: 7}}}
	loop := NewLoop(NewDispatcher(s, nil), loc, time.Millisecond, nil)

	require.NoError(t, loop.Cycle(context.Background()))
	assert.Empty(t, ao.stepCalls())

	require.NoError(t, loop.Cycle(context.Background()))
	assert.Equal(t, []stepCall{{North, 3}, {West, 2}}, ao.stepCalls())
}

func TestLoopSkipsCycleWhileCalibrating(t *testing.T) {
	ao := newFakeAO(45)
	store := newMemStore()
	store.cals["fakeao"] = Calibration{XRate: 1, YRate: 1, YAngle: 1.5707963267948966}

	s := NewSession(&recordingScheduler{}, nil, nil)
	require.NoError(t, s.ConnectPrimary(NewScope(newFakeScope(), nil)))
	g := NewStepGuider(ao, store, nil)
	require.NoError(t, s.ConnectSecondary(g))

	gate := newGateLocator(&opticsLocator{ao: ao, pxPerStep: 0.5})
	engine := NewCalibrationEngine(g, gate, DefaultCalibrationConfig, nil)
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background())
		done <- err
	}()
	<-gate.reached
	assert.True(t, g.Calibrating())

	loc := &sequenceLocator{points: []Point{{X: 10, Y: 10}, {X: 12, Y: 7}, {X: 12, Y: 7}}}
	loop := NewLoop(NewDispatcher(s, nil), loc, time.Millisecond, nil)
	require.NoError(t, loop.Cycle(context.Background()))
	require.NoError(t, loop.Cycle(context.Background()))
	assert.Empty(t, ao.stepCalls())

	close(gate.resume)
	require.NoError(t, <-done)
	assert.False(t, g.Calibrating())

	calibrationSteps := len(ao.stepCalls())
	require.NoError(t, loop.Cycle(context.Background()))
	assert.Greater(t, len(ao.stepCalls()), calibrationSteps)
}

func TestLoopCycleNotCalibrated(t *testing.T) {
	s := NewSession(&recordingScheduler{}, nil, nil)
	require.NoError(t, s.ConnectPrimary(NewScope(newFakeScope(), nil)))

	loop := NewLoop(NewDispatcher(s, nil), &sequenceLocator{points: []Point{{}, {X: 1}}}, time.Millisecond, nil)
	require.NoError(t, loop.Cycle(context.Background()))

	err := loop.Cycle(context.Background())
	assert.True(t, errors.Is(err, ErrNotCalibrated))
}

func TestLoopRunContinuesAfterFailure(t *testing.T) {
	s := NewSession(&recordingScheduler{}, nil, nil)
	loop := NewLoop(NewDispatcher(s, nil), &sequenceLocator{}, time.Millisecond, nil)
	sink := &recordingSink{}
	loop.SetEvents(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, loop.Run(ctx))
	assert.Greater(t, len(sink.ofType(EventGuideCycleFailed)), 1)
}
