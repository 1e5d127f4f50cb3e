package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCalibrationAmount = 5

	// calibrationLimit stops calibration below the hardware limit.
	calibrationLimit = 0.79
	// handoffLimit is the travel fraction above which the accumulated
	// offset is handed to the primary mount.
	handoffLimit = 0.75
)

// SettingsStore persists step guider settings per device class.
type SettingsStore interface {
	CalibrationAmount(class string) (int, error)
	SetCalibrationAmount(class string, amount int) error
	Calibration(class string) (Calibration, error)
	SetCalibration(class string, cal Calibration) error
}

// StepGuider is a bounded corrector: a fast device with a small,
// symmetric travel range per axis, moved in native steps.
type StepGuider struct {
	conn link

	driver AODriver
	store  SettingsStore
	logger log.FieldLogger
	events EventSink

	mu             sync.Mutex
	caps           AOCapabilities
	position       [2]int // cached mirror of the device position
	amount         int
	guidingEnabled bool
	calibrating    bool
	calibration    Calibration

	primary   *Scope
	scheduler Scheduler
}

// NewStepGuider wraps driver. The calibration amount and the last
// calibration for the driver's class are read from store.
func NewStepGuider(driver AODriver, store SettingsStore, logger log.FieldLogger) *StepGuider {
	g := &StepGuider{
		driver:         driver,
		store:          store,
		logger:         orDiscard(logger),
		events:         nopSink{},
		amount:         DefaultCalibrationAmount,
		guidingEnabled: true,
	}

	amount, err := store.CalibrationAmount(driver.Class())
	if err != nil {
		g.logger.Debugf("No stored calibration amount for %s: %v", driver.Class(), err)
		amount = DefaultCalibrationAmount
	}
	if err := g.SetCalibrationAmount(amount); err != nil {
		g.logger.Warnf("Stored calibration amount rejected: %v", err)
	}

	if cal, err := store.Calibration(driver.Class()); err == nil && cal.Valid() {
		g.calibration = cal
	}

	return g
}

// SetEvents sets the status event sink. A nil sink discards events.
func (g *StepGuider) SetEvents(sink EventSink) {
	g.events = orNop(sink)
}

func (g *StepGuider) Name() string {
	return g.driver.Name()
}

func (g *StepGuider) Class() string {
	return g.driver.Class()
}

func (g *StepGuider) Capabilities() AOCapabilities {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caps
}

func (g *StepGuider) Connect() error {
	const op = "connect step guider"
	g.logger.Debug("Connecting")

	err := g.conn.open(func(ctx context.Context) error {
		if err := g.driver.Connect(ctx); err != nil {
			return err
		}

		g.mu.Lock()
		g.caps = g.driver.Capabilities()
		g.position = [2]int{}
		g.mu.Unlock()

		g.syncPosition(AxisNS)
		g.syncPosition(AxisEW)
		return nil
	})
	if err != nil {
		return newError(op, KindConnect, err)
	}

	g.logger.Infof("%s connected", g.Name())
	publish(g.events, EventConnected, g.Name(), "step guider connected", nil)
	return nil
}

func (g *StepGuider) Disconnect() error {
	const op = "disconnect step guider"
	g.logger.Debug("Disconnecting")

	err := g.conn.close(g.driver.Disconnect)
	if errors.Is(err, ErrNotConnected) {
		return newError(op, KindDisconnect, err)
	}

	g.logger.Infof("%s disconnected", g.Name())
	publish(g.events, EventDisconnected, g.Name(), "step guider disconnected", nil)
	if err != nil {
		return newError(op, KindDisconnect, err)
	}
	return nil
}

func (g *StepGuider) IsConnected() bool {
	return g.conn.connected()
}

func (g *StepGuider) IsConnecting() bool {
	return g.conn.connecting()
}

// IsGuiding reports whether a step command is running.
func (g *StepGuider) IsGuiding() bool {
	return g.conn.busy()
}

// InFlight reports whether a command is currently running.
func (g *StepGuider) InFlight() bool {
	return g.conn.busy()
}

// attach sets the primary mount that receives handoff moves. A nil
// primary disables the handoff.
func (g *StepGuider) attach(primary *Scope, scheduler Scheduler) {
	g.mu.Lock()
	g.primary = primary
	g.scheduler = scheduler
	g.mu.Unlock()
}

func (g *StepGuider) SetGuidingEnabled(enabled bool) {
	g.mu.Lock()
	g.guidingEnabled = enabled
	g.mu.Unlock()
}

func (g *StepGuider) GuidingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.guidingEnabled
}

// Calibrating reports whether a calibration run owns the device.
func (g *StepGuider) Calibrating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calibrating
}

func (g *StepGuider) setCalibrating(on bool) {
	g.mu.Lock()
	g.calibrating = on
	g.mu.Unlock()
}

func (g *StepGuider) CalibrationAmount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.amount
}

// SetCalibrationAmount sets the number of steps per calibration move.
// A value <= 0 is rejected and the default is restored. The effective
// value is persisted either way.
func (g *StepGuider) SetCalibrationAmount(amount int) error {
	var verr error
	if amount <= 0 {
		verr = newError("set calibration amount", KindValidation, fmt.Errorf("invalid calibration amount %d", amount))
		amount = DefaultCalibrationAmount
		publish(g.events, EventValidationReported, g.Name(), verr.Error(), nil)
	}

	g.mu.Lock()
	g.amount = amount
	g.mu.Unlock()

	if err := g.store.SetCalibrationAmount(g.Class(), amount); err != nil {
		g.logger.Errorf("Failed to persist calibration amount: %v", err)
		if verr == nil {
			return fmt.Errorf("persist calibration amount: %w", err)
		}
	}
	return verr
}

// CalibrationTime returns the total steps issued by n calibration moves.
func (g *StepGuider) CalibrationTime(n int) int {
	return n * g.CalibrationAmount()
}

// Calibration returns the last learned calibration.
func (g *StepGuider) Calibration() (Calibration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calibration, g.calibration.Valid()
}

func (g *StepGuider) setCalibration(cal Calibration) error {
	if err := g.store.SetCalibration(g.Class(), cal); err != nil {
		return fmt.Errorf("persist calibration: %w", err)
	}
	g.mu.Lock()
	g.calibration = cal
	g.mu.Unlock()
	return nil
}

// Position returns the signed offset from centre on axis.
func (g *StepGuider) Position(axis Axis) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position[axis]
}

// CurrentPosition returns the offset from centre measured in dir. It is
// negative when the device sits on the other side of centre.
func (g *StepGuider) CurrentPosition(dir Direction) int {
	return g.Position(dir.Axis()) * dir.Sign()
}

func (g *StepGuider) MaxStepsFromCenter(dir Direction) int {
	return g.driver.MaxStepsFromCenter(dir.Axis())
}

// Step issues count native steps in dir. Steps that would take the
// device beyond its travel are refused without a hardware command.
func (g *StepGuider) Step(dir Direction, count int) error {
	const op = "step"

	if !dir.Valid() {
		return newError(op, KindStep, ErrInvalidDirection)
	}
	if count < 0 {
		return newError(op, KindStep, fmt.Errorf("invalid step count %d", count))
	}
	if count == 0 {
		return nil
	}

	ctx, release, err := g.conn.begin()
	if err != nil {
		return newError(op, KindStep, err)
	}
	defer release()

	// Position is read and written only while holding the command slot.
	axis := dir.Axis()
	current := g.Position(axis)
	next := current + dir.Sign()*count
	if max := g.driver.MaxStepsFromCenter(axis); abs(next) > max {
		return newError(op, KindStep, fmt.Errorf("%w: %d steps %s from %d exceeds %d",
			ErrLimitReached, count, dir, current, max))
	}

	g.logger.Debugf("Step dir=%s count=%d", dir, count)
	if err := g.driver.Step(ctx, dir, count); err != nil {
		g.syncPosition(axis)
		return newError(op, KindStep, err)
	}

	g.mu.Lock()
	g.position[axis] = next
	g.mu.Unlock()
	g.syncPosition(axis)
	return nil
}

// syncPosition refreshes the mirror from devices that report position.
func (g *StepGuider) syncPosition(axis Axis) {
	if !g.Capabilities().CanReportPosition {
		return
	}
	p, err := g.driver.Position(axis)
	if err != nil {
		g.logger.Warnf("Failed to read %s position: %v", axis, err)
		return
	}
	g.mu.Lock()
	g.position[axis] = p
	g.mu.Unlock()
}

// CalibrationMove issues exactly one calibration amount of steps in dir.
func (g *StepGuider) CalibrationMove(dir Direction) error {
	amount := g.CalibrationAmount()
	g.logger.Debugf("CalibrationMove(%s) amount=%d", dir, amount)
	return g.Step(dir, amount)
}

// IsAtCalibrationLimit reports whether the device has reached 79% of its
// travel in dir.
func (g *StepGuider) IsAtCalibrationLimit(dir Direction) bool {
	current := g.CurrentPosition(dir)
	max := g.MaxStepsFromCenter(dir)
	atLimit := float64(current) >= calibrationLimit*float64(max)

	g.logger.Debugf("isatlimit=%v current=%d max=%d", atLimit, current, max)
	return atLimit
}

// Move rounds amount to whole steps and issues them in dir. It returns the
// number of steps issued, or -1 with a MoveError. When the device sits
// beyond 75% of its travel after the move, including a move of zero
// steps, and the primary mount is idle, the accumulated offset is
// scheduled on the primary mount. Moves are refused while a calibration
// run owns the device.
func (g *StepGuider) Move(dir Direction, amount float64, normalMove bool) (int, error) {
	const op = "move"

	if !g.GuidingEnabled() {
		return 0, nil
	}
	if amount < 0 || !finite(amount) {
		return -1, newError(op, KindMove, newError(op, KindValidation, fmt.Errorf("invalid amount %v", amount)))
	}

	if g.Calibrating() {
		return -1, newError(op, KindMove, ErrCalibrating)
	}

	steps := int(math.Floor(amount + 0.5))
	if steps > 0 {
		if err := g.Step(dir, steps); err != nil {
			return -1, newError(op, KindMove, err)
		}
	}

	if float64(g.CurrentPosition(dir)) > handoffLimit*float64(g.MaxStepsFromCenter(dir)) {
		if err := g.handoff(normalMove); err != nil {
			return -1, newError(op, KindMove, err)
		}
	}

	return steps, nil
}

// handoff schedules a primary mount move that absorbs the corrector's
// offset. It does nothing when there is no idle primary mount.
func (g *StepGuider) handoff(normalMove bool) error {
	g.mu.Lock()
	primary, scheduler, cal := g.primary, g.scheduler, g.calibration
	g.mu.Unlock()

	if primary == nil || scheduler == nil || !primary.IsConnected() {
		g.logger.Debug("Near travel limit, no primary mount for handoff")
		return nil
	}
	if primary.IsBusy() {
		g.logger.Debug("Near travel limit, primary mount busy")
		return nil
	}

	frame, err := primary.frame(cal.XAngle)
	if err != nil {
		return newError("handoff", KindTransform, err)
	}

	// The North offset pairs with the Dec rate and the East offset with the
	// RA rate. This pairing is kept as is pending review.
	raDistance := float64(g.CurrentPosition(North)) * frame.DecRate
	decDistance := float64(g.CurrentPosition(East)) * frame.RARate

	offset, err := Transform(frame, raDistance, decDistance)
	if err != nil {
		return err
	}

	g.logger.Infof("Handing off offset ra=%.4f dec=%.4f to %s", offset.RA, offset.Dec, primary.Name())
	publish(g.events, EventHandoff, g.Name(), "offset handed to primary mount", map[string]any{
		"ra":      offset.RA,
		"dec":     offset.Dec,
		"primary": primary.Name(),
		"normal":  normalMove,
	})

	scheduler.Schedule(primary, offset, false)
	return nil
}

// Center returns the device to the centre of its travel.
func (g *StepGuider) Center() error {
	const op = "center"

	if g.Capabilities().CanCenter {
		ctx, release, err := g.conn.begin()
		if err != nil {
			return newError(op, KindStep, err)
		}
		defer release()

		if err := g.driver.Center(ctx); err != nil {
			return newError(op, KindStep, err)
		}

		g.mu.Lock()
		g.position = [2]int{}
		g.mu.Unlock()
		g.syncPosition(AxisNS)
		g.syncPosition(AxisEW)
		return nil
	}

	for _, axis := range []Axis{AxisNS, AxisEW} {
		p := g.Position(axis)
		if p == 0 {
			continue
		}
		dir := DirectionFor(axis, float64(-p))
		if err := g.Step(dir, abs(p)); err != nil {
			return err
		}
	}
	return nil
}

// BacklashClearingFailed reports the terminal calibration fault raised
// when declination backlash could not be cleared, wrapping cause when
// known. Calibration has to be restarted from scratch.
func (g *StepGuider) BacklashClearingFailed(cause error) *Error {
	msg := "unable to clear step guider declination backlash, calibration failed"
	var reason error = errors.New(msg)
	if cause != nil {
		reason = fmt.Errorf("%s: %w", msg, cause)
	}
	err := newError("clear backlash", KindBacklash, reason)

	g.logger.Error(err.Error())
	publish(g.events, EventCalibrationFailed, g.Name(), err.Error(), nil)
	return err
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
