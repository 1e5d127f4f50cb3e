package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

type stepCall struct {
	dir   Direction
	count int
}

type fakeAO struct {
	mu         sync.Mutex
	max        int
	caps       AOCapabilities
	connected  bool
	steps      []stepCall
	centers    int
	stepErr    error
	connectErr error
	block      chan struct{}
	started    chan struct{}
	delay      time.Duration
	pos        [2]int
}

func newFakeAO(max int) *fakeAO {
	return &fakeAO{max: max}
}

func (f *fakeAO) Name() string  { return "fake ao" }
func (f *fakeAO) Class() string { return "fakeao" }

func (f *fakeAO) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAO) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeAO) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAO) Capabilities() AOCapabilities { return f.caps }

func (f *fakeAO) Step(ctx context.Context, dir Direction, count int) error {
	if f.block != nil {
		if f.started != nil {
			close(f.started)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stepErr != nil {
		return f.stepErr
	}
	f.steps = append(f.steps, stepCall{dir, count})
	f.pos[dir.Axis()] += dir.Sign() * count
	return nil
}

func (f *fakeAO) Center(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.centers++
	f.pos = [2]int{}
	return nil
}

func (f *fakeAO) Position(axis Axis) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos[axis], nil
}

func (f *fakeAO) MaxStepsFromCenter(Axis) int { return f.max }

func (f *fakeAO) hardwarePosition(axis Axis) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos[axis]
}

func (f *fakeAO) stepCalls() []stepCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stepCall(nil), f.steps...)
}

type pulseCall struct {
	dir      Direction
	duration time.Duration
}

type fakeScope struct {
	mu        sync.Mutex
	caps      ScopeCapabilities
	connected bool
	guiding   bool
	pulses    []pulseCall
	raRate    float64
	decRate   float64
	dec       float64
	block     chan struct{}
	started   chan struct{}
}

func newFakeScope() *fakeScope {
	return &fakeScope{
		caps: ScopeCapabilities{
			CanPulseGuide:        true,
			CanCheckPulseGuiding: true,
			CanGetGuideRates:     true,
			CanGetCoordinates:    true,
		},
		raRate:  0.002,
		decRate: 0.002,
	}
}

func (f *fakeScope) Name() string { return "fake scope" }

func (f *fakeScope) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeScope) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeScope) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeScope) Capabilities() ScopeCapabilities { return f.caps }

func (f *fakeScope) PulseGuide(ctx context.Context, dir Direction, duration time.Duration) error {
	if f.block != nil {
		if f.started != nil {
			close(f.started)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, pulseCall{dir, duration})
	return nil
}

func (f *fakeScope) IsPulseGuiding() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guiding, nil
}

func (f *fakeScope) setGuiding(v bool) {
	f.mu.Lock()
	f.guiding = v
	f.mu.Unlock()
}

func (f *fakeScope) Slewing() (bool, error) { return false, nil }

func (f *fakeScope) GuideRates() (float64, float64, error) {
	if !f.caps.CanGetGuideRates {
		return 0, 0, ErrNotImplemented
	}
	return f.raRate, f.decRate, nil
}

func (f *fakeScope) Coordinates() (Coordinates, error) {
	if !f.caps.CanGetCoordinates {
		return Coordinates{}, ErrNotImplemented
	}
	return Coordinates{RightAscension: 5, Declination: f.dec}, nil
}

func (f *fakeScope) SlewToCoordinates(context.Context, float64, float64) error {
	return ErrNotImplemented
}

func (f *fakeScope) pulseCalls() []pulseCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pulseCall(nil), f.pulses...)
}

type memStore struct {
	mu      sync.Mutex
	amounts map[string]int
	cals    map[string]Calibration
	last    map[string]string
	failSet bool
	failCal bool
}

func newMemStore() *memStore {
	return &memStore{
		amounts: map[string]int{},
		cals:    map[string]Calibration{},
		last:    map[string]string{},
	}
}

var errNoSetting = errors.New("no setting")

func (m *memStore) CalibrationAmount(class string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.amounts[class]
	if !ok {
		return 0, errNoSetting
	}
	return v, nil
}

func (m *memStore) SetCalibrationAmount(class string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("store failure")
	}
	m.amounts[class] = amount
	return nil
}

func (m *memStore) Calibration(class string) (Calibration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cals[class]
	if !ok {
		return Calibration{}, errNoSetting
	}
	return v, nil
}

func (m *memStore) SetCalibration(class string, cal Calibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet || m.failCal {
		return errors.New("store failure")
	}
	m.cals[class] = cal
	return nil
}

func (m *memStore) SetLastDevice(role, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[role] = name
	return nil
}

type scheduled struct {
	scope  *Scope
	offset Offset
	normal bool
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (r *recordingScheduler) Schedule(scope *Scope, offset Offset, normalMove bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduled{scope, offset, normalMove})
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// opticsLocator derives the star position from the fake AO position: one
// step moves the star pxPerStep pixels, rotated by angle.
type opticsLocator struct {
	ao        *fakeAO
	pxPerStep float64
	angle     float64
	// stuckNS freezes the reported North/South motion, as a mount with
	// uncleared backlash would.
	stuckNS bool
	err     error
}

func (l *opticsLocator) StarPosition(context.Context) (Point, error) {
	if l.err != nil {
		return Point{}, l.err
	}
	ns, _ := l.ao.Position(AxisNS)
	ew, _ := l.ao.Position(AxisEW)
	if l.stuckNS {
		ns = 0
	}

	x := float64(ew) * l.pxPerStep
	y := float64(ns) * l.pxPerStep
	c, s := math.Cos(l.angle), math.Sin(l.angle)
	return Point{X: x*c - y*s, Y: x*s + y*c}, nil
}

// gateLocator holds its first measurement until resume is closed.
type gateLocator struct {
	Locator
	once    sync.Once
	reached chan struct{}
	resume  chan struct{}
}

func newGateLocator(l Locator) *gateLocator {
	return &gateLocator{Locator: l, reached: make(chan struct{}), resume: make(chan struct{})}
}

func (l *gateLocator) StarPosition(ctx context.Context) (Point, error) {
	l.once.Do(func() {
		close(l.reached)
		<-l.resume
	})
	return l.Locator.StarPosition(ctx)
}

type sequenceLocator struct {
	mu     sync.Mutex
	points []Point
	i      int
}

func (l *sequenceLocator) StarPosition(context.Context) (Point, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.i >= len(l.points) {
		return Point{}, fmt.Errorf("no more positions")
	}
	p := l.points[l.i]
	l.i++
	return p, nil
}

func connectedGuider(t interface{ Fatalf(string, ...any) }, ao *fakeAO, store *memStore) *StepGuider {
	g := NewStepGuider(ao, store, nil)
	if err := g.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return g
}

func connectedScope(t interface{ Fatalf(string, ...any) }, drv *fakeScope) *Scope {
	s := NewScope(drv, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}
