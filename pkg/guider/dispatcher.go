package guider

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Correction is one requested move on one axis. Amount is in the native
// unit of the device that receives it: steps for a step guider,
// milliseconds for a mount.
type Correction struct {
	Direction   Direction
	Amount      float64
	Calibration bool
}

// Dispatcher routes corrections to the session's active corrector: the
// step guider when one is connected, the primary mount otherwise.
type Dispatcher struct {
	session *Session
	logger  log.FieldLogger
}

func NewDispatcher(session *Session, logger log.FieldLogger) *Dispatcher {
	return &Dispatcher{
		session: session,
		logger:  orDiscard(logger).WithField("component", "dispatcher"),
	}
}

// Dispatch issues c and returns the native amount issued.
func (d *Dispatcher) Dispatch(c Correction) (int, error) {
	if ao := d.session.Secondary(); ao != nil && ao.IsConnected() {
		return ao.Move(c.Direction, c.Amount, !c.Calibration)
	}
	if scope := d.session.Primary(); scope != nil && scope.IsConnected() {
		return scope.Move(c.Direction, c.Amount, !c.Calibration)
	}
	return -1, newError("dispatch", KindMove, ErrNotConnected)
}

// activeCalibration returns the calibration of the device Dispatch
// would use.
func (d *Dispatcher) activeCalibration() (Calibration, error) {
	if ao := d.session.Secondary(); ao != nil && ao.IsConnected() {
		if cal, ok := ao.Calibration(); ok {
			return cal, nil
		}
		return Calibration{}, fmt.Errorf("%s: %w", ao.Name(), ErrNotCalibrated)
	}
	if scope := d.session.Primary(); scope != nil && scope.IsConnected() {
		if cal, ok := scope.Calibration(); ok {
			return cal, nil
		}
		return Calibration{}, fmt.Errorf("%s: %w", scope.Name(), ErrNotCalibrated)
	}
	return Calibration{}, ErrNotConnected
}

// Correct converts a star displacement into per-axis corrections and
// dispatches them. Every axis is attempted; failures are joined. Nothing
// is issued while the step guider is calibrating.
func (d *Dispatcher) Correct(displacement Point) error {
	if ao := d.session.Secondary(); ao != nil && ao.Calibrating() {
		d.logger.Debugf("%s is calibrating, skipping correction", ao.Name())
		return nil
	}

	cal, err := d.activeCalibration()
	if err != nil {
		return newError("correct", KindMove, err)
	}

	var errs []error
	for _, c := range axisCorrections(cal, displacement) {
		n, err := d.Dispatch(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Debugf("Correction %s amount=%.2f issued=%d", c.Direction, c.Amount, n)
	}
	return errors.Join(errs...)
}

// Loop is the guide loop. Each cycle measures the star, compares it with
// the lock position taken on the first cycle and corrects the error.
type Loop struct {
	dispatcher *Dispatcher
	locator    Locator
	interval   time.Duration
	logger     log.FieldLogger
	events     EventSink

	lock   Point
	locked bool
}

func NewLoop(dispatcher *Dispatcher, locator Locator, interval time.Duration, logger log.FieldLogger) *Loop {
	return &Loop{
		dispatcher: dispatcher,
		locator:    locator,
		interval:   interval,
		logger:     orDiscard(logger).WithField("component", "loop"),
		events:     nopSink{},
	}
}

func (l *Loop) SetEvents(sink EventSink) {
	l.events = orNop(sink)
}

// Lock sets the position the loop holds the star at.
func (l *Loop) Lock(p Point) {
	l.lock = p
	l.locked = true
}

// Cycle runs one guide cycle.
func (l *Loop) Cycle(ctx context.Context) error {
	p, err := l.locator.StarPosition(ctx)
	if err != nil {
		return fmt.Errorf("measure star: %w", err)
	}

	if !l.locked {
		l.Lock(p)
		l.logger.Infof("Lock position set to (%.2f, %.2f)", p.X, p.Y)
		return nil
	}

	return l.dispatcher.Correct(Point{X: p.X - l.lock.X, Y: p.Y - l.lock.Y})
}

// Run executes cycles until ctx is done. A failed cycle is reported and
// the loop carries on with the next one.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Cycle(ctx); err != nil {
				l.logger.Errorf("Guide cycle failed: %v", err)
				publish(l.events, EventGuideCycleFailed, "", err.Error(), nil)
			}
		}
	}
}
