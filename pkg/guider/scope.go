package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// pollInterval and pollAttempts bound the wait for a mount that is
	// still moving when a new pulse is requested (20 x 50ms = 1s).
	pollInterval = 50 * time.Millisecond
	pollAttempts = 20
)

// ReliefSettings converts a mount-frame offset into guide pulses.
type ReliefSettings struct {
	RAUnitsPerMs  float64       `json:"ra_units_per_ms"`
	DecUnitsPerMs float64       `json:"dec_units_per_ms"`
	MaxPulse      time.Duration `json:"max_pulse"`
}

var DefaultReliefSettings = ReliefSettings{
	RAUnitsPerMs:  0.0002,
	DecUnitsPerMs: 0.0002,
	MaxPulse:      2 * time.Second,
}

// Scope is the primary mount: a correctable device driven by timed guide
// pulses.
type Scope struct {
	conn link

	driver ScopeDriver
	logger log.FieldLogger
	events EventSink

	mu          sync.Mutex
	caps        ScopeCapabilities
	relief      ReliefSettings
	calibration Calibration

	pollInterval time.Duration
	pollAttempts int
}

func NewScope(driver ScopeDriver, logger log.FieldLogger) *Scope {
	return &Scope{
		driver:       driver,
		logger:       orDiscard(logger),
		events:       nopSink{},
		relief:       DefaultReliefSettings,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
	}
}

// SetEvents sets the status event sink. A nil sink discards events.
func (s *Scope) SetEvents(sink EventSink) {
	s.events = orNop(sink)
}

func (s *Scope) SetRelief(r ReliefSettings) {
	s.mu.Lock()
	s.relief = r
	s.mu.Unlock()
}

func (s *Scope) Relief() ReliefSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relief
}

// SetCalibration stores the mount's guide calibration in pixels per ms.
func (s *Scope) SetCalibration(cal Calibration) {
	s.mu.Lock()
	s.calibration = cal
	s.mu.Unlock()
}

func (s *Scope) Calibration() (Calibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibration, s.calibration.Valid()
}

func (s *Scope) Name() string {
	return s.driver.Name()
}

func (s *Scope) Capabilities() ScopeCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Connect connects the driver and probes its capabilities. A driver that
// cannot pulse guide is rejected.
func (s *Scope) Connect() error {
	const op = "connect scope"
	s.logger.Debug("Connecting")

	err := s.conn.open(func(ctx context.Context) error {
		if err := s.driver.Connect(ctx); err != nil {
			return err
		}

		caps := s.driver.Capabilities()
		if !caps.CanPulseGuide {
			if err := s.driver.Disconnect(); err != nil {
				s.logger.Warnf("Failed to disconnect driver: %v", err)
			}
			return fmt.Errorf("%s does not support pulse guiding", s.driver.Name())
		}
		if !caps.CanCheckPulseGuiding {
			s.logger.Warn("Driver cannot report pulse guiding status, guide pulses will be timed")
		}
		if !caps.CanGetGuideRates {
			s.logger.Info("Driver cannot report guide rates, AO handoff is disabled")
		}

		s.mu.Lock()
		s.caps = caps
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return newError(op, KindConnect, err)
	}

	s.logger.Infof("%s connected", s.Name())
	publish(s.events, EventConnected, s.Name(), "scope connected", nil)
	return nil
}

func (s *Scope) Disconnect() error {
	const op = "disconnect scope"
	s.logger.Debug("Disconnecting")

	err := s.conn.close(s.driver.Disconnect)
	if errors.Is(err, ErrNotConnected) {
		return newError(op, KindDisconnect, err)
	}

	s.logger.Infof("%s disconnected", s.Name())
	publish(s.events, EventDisconnected, s.Name(), "scope disconnected", nil)
	if err != nil {
		return newError(op, KindDisconnect, err)
	}
	return nil
}

func (s *Scope) IsConnected() bool {
	return s.conn.connected()
}

func (s *Scope) IsConnecting() bool {
	return s.conn.connecting()
}

// Guide issues a pulse and blocks until the mount has finished moving. If
// the mount is still moving from an earlier command, Guide polls for up
// to one second and then fails with a StillMovingError.
func (s *Scope) Guide(dir Direction, duration time.Duration) error {
	const op = "guide"

	if !dir.Valid() {
		return newError(op, KindGuide, ErrInvalidDirection)
	}

	s.logger.Debugf("Guiding dir=%s duration=%s", dir, duration)

	ctx, release, err := s.conn.begin()
	if err != nil {
		return newError(op, KindGuide, err)
	}
	defer release()

	if err := s.waitIdle(ctx); err != nil {
		return err
	}

	start := time.Now()
	if err := s.driver.PulseGuide(ctx, dir, duration); err != nil {
		return newError(op, KindGuide, fmt.Errorf("pulse guide failed: %w", err))
	}

	elapsed := time.Since(start)
	if elapsed < duration {
		s.logger.Debug("PulseGuide returned control before completion")
	}

	return s.waitComplete(ctx, duration-elapsed)
}

// waitIdle waits for a previous motion to stop before a new pulse.
func (s *Scope) waitIdle(ctx context.Context) error {
	if !s.Capabilities().CanCheckPulseGuiding || !s.moving() {
		return nil
	}

	s.logger.Debug("Entered Guide while moving")
	for i := 0; i < s.pollAttempts; i++ {
		if err := sleep(ctx, s.pollInterval); err != nil {
			return newError("guide", KindGuide, ErrNotConnected)
		}
		if !s.moving() {
			s.logger.Debug("Movement stopped, continuing")
			return nil
		}
		s.logger.Debug("Still moving")
	}

	limit := time.Duration(s.pollAttempts) * s.pollInterval
	return newError("guide", KindStillMoving, fmt.Errorf("mount still moving after %s", limit))
}

// waitComplete waits for the pulse to finish. Drivers that cannot report
// pulse guiding get the remaining duration slept instead.
func (s *Scope) waitComplete(ctx context.Context, remaining time.Duration) error {
	if !s.Capabilities().CanCheckPulseGuiding {
		if err := sleep(ctx, remaining); err != nil {
			return newError("guide", KindGuide, ErrNotConnected)
		}
		return nil
	}

	deadline := time.Now().Add(remaining + time.Duration(s.pollAttempts)*s.pollInterval)
	for s.moving() {
		if time.Now().After(deadline) {
			return newError("guide", KindStillMoving, errors.New("pulse did not complete"))
		}
		if err := sleep(ctx, s.pollInterval); err != nil {
			return newError("guide", KindGuide, ErrNotConnected)
		}
	}
	return nil
}

// moving queries the driver. A failed query counts as moving.
func (s *Scope) moving() bool {
	guiding, err := s.driver.IsPulseGuiding()
	if err != nil {
		s.logger.Debugf("IsPulseGuiding failed: %v", err)
		return true
	}
	if guiding {
		return true
	}

	if !s.Capabilities().CanReportSlewingStatus {
		return false
	}
	slewing, err := s.driver.Slewing()
	if err != nil {
		s.logger.Debugf("Slewing failed: %v", err)
		return false
	}
	return slewing
}

// IsGuiding reports whether the mount may still be moving. It returns
// true when the driver cannot tell, so callers never start a command
// while the mount might be in motion. A disconnected mount is not moving.
func (s *Scope) IsGuiding() bool {
	if !s.IsConnected() {
		return false
	}
	if !s.Capabilities().CanCheckPulseGuiding {
		return true
	}
	return s.moving()
}

// IsBusy reports whether a command is running or the mount is moving.
func (s *Scope) IsBusy() bool {
	return s.conn.busy() || s.IsGuiding()
}

// Move guides for amount milliseconds in dir and returns the duration
// actually issued. Negative return values signal failure.
func (s *Scope) Move(dir Direction, amount float64, normalMove bool) (int, error) {
	const op = "move scope"

	if amount < 0 || !finite(amount) {
		return -1, newError(op, KindMove, newError(op, KindValidation, fmt.Errorf("invalid amount %v", amount)))
	}

	ms := int(math.Floor(amount + 0.5))
	if ms == 0 {
		return 0, nil
	}

	if max := s.Relief().MaxPulse; max > 0 && time.Duration(ms)*time.Millisecond > max {
		ms = int(max / time.Millisecond)
	}

	s.logger.Debugf("Move dir=%s ms=%d normal=%v", dir, ms, normalMove)
	if err := s.Guide(dir, time.Duration(ms)*time.Millisecond); err != nil {
		return -1, newError(op, KindMove, err)
	}
	return ms, nil
}

// MoveOffset moves the mount by a mount-frame offset. It is used to absorb
// the accumulated offset of a step guider.
func (s *Scope) MoveOffset(offset Offset, normalMove bool) error {
	relief := s.Relief()

	pulses := []struct {
		axis  Axis
		value float64
		rate  float64
	}{
		{AxisEW, offset.RA, relief.RAUnitsPerMs},
		{AxisNS, offset.Dec, relief.DecUnitsPerMs},
	}

	for _, p := range pulses {
		if p.rate <= 0 {
			return newError("move offset", KindMove, fmt.Errorf("invalid relief rate for %s", p.axis))
		}
		dir := DirectionFor(p.axis, p.value)
		if _, err := s.Move(dir, math.Abs(p.value)/p.rate, normalMove); err != nil {
			return err
		}
	}
	return nil
}

// GuideRates returns the RA and Dec guide rates in degrees per second.
func (s *Scope) GuideRates() (ra, dec float64, err error) {
	if !s.IsConnected() {
		return 0, 0, ErrNotConnected
	}
	if !s.Capabilities().CanGetGuideRates {
		return 0, 0, ErrGuideRatesUnavailable
	}

	ra, dec, err = s.driver.GuideRates()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrGuideRatesUnavailable, err)
	}

	s.logger.Debugf("GuideRates() returns %.4f %.4f", ra, dec)
	return ra, dec, nil
}

// Coordinates returns the mount position. A driver that fails to report
// coordinates has the capability turned off.
func (s *Scope) Coordinates() (Coordinates, error) {
	if !s.IsConnected() {
		return Coordinates{}, ErrNotConnected
	}
	if !s.Capabilities().CanGetCoordinates {
		return Coordinates{}, ErrNotImplemented
	}

	c, err := s.driver.Coordinates()
	if err != nil {
		s.logger.Warnf("Failed to get coordinates, disabling: %v", err)
		s.mu.Lock()
		s.caps.CanGetCoordinates = false
		s.mu.Unlock()
		return Coordinates{}, err
	}
	return c, nil
}

// Declination returns the mount declination in radians.
func (s *Scope) Declination() (float64, error) {
	c, err := s.Coordinates()
	if err != nil {
		return 0, err
	}
	return c.Declination / 180.0 * math.Pi, nil
}

func (s *Scope) CanSlew() bool {
	return s.IsConnected() && s.Capabilities().CanSlew
}

// SlewToCoordinates slews to ra (hours) and dec (degrees).
func (s *Scope) SlewToCoordinates(ra, dec float64) error {
	const op = "slew"

	if !s.CanSlew() {
		return newError(op, KindGuide, ErrNotImplemented)
	}

	ctx, release, err := s.conn.begin()
	if err != nil {
		return newError(op, KindGuide, err)
	}
	defer release()

	if err := s.driver.SlewToCoordinates(ctx, ra, dec); err != nil {
		return newError(op, KindGuide, err)
	}
	return nil
}

// frame builds the transform frame from the mount's telemetry.
func (s *Scope) frame(angle float64) (Frame, error) {
	ra, dec, err := s.GuideRates()
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		Angle:      angle,
		RARate:     ra,
		DecRate:    dec,
		RatesKnown: true,
	}
	if d, err := s.Declination(); err == nil {
		f.Declination = d
		f.DeclinationKnown = true
	}
	return f, nil
}

// InFlight reports whether a command is currently running.
func (s *Scope) InFlight() bool {
	return s.conn.busy()
}
