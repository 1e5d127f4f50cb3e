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

// CalibrationState is the phase of a calibration run.
type CalibrationState int

const (
	CalibrationIdle CalibrationState = iota
	CalibrationMovingOutAxis1
	CalibrationMovingOutAxis2
	CalibrationClearingBacklash
	CalibrationComputing
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationIdle:
		return "Idle"
	case CalibrationMovingOutAxis1:
		return "MovingOutAxis1"
	case CalibrationMovingOutAxis2:
		return "MovingOutAxis2"
	case CalibrationClearingBacklash:
		return "ClearingBacklash"
	case CalibrationComputing:
		return "Computing"
	default:
		return fmt.Sprintf("CalibrationState(%d)", int(s))
	}
}

// CalibrationConfig bounds a calibration run.
type CalibrationConfig struct {
	// MaxMoves is the calibration move budget per axis.
	MaxMoves int `yaml:"max_moves" json:"max_moves"`
	// MaxBacklashMoves is the move budget for clearing backlash.
	MaxBacklashMoves int `yaml:"max_backlash_moves" json:"max_backlash_moves"`
	// BacklashDistance is the star motion in pixels that proves the
	// declination backlash has been taken up.
	BacklashDistance float64 `yaml:"backlash_distance" json:"backlash_distance"`
	// MinDistance is the least star motion in pixels an axis must produce.
	MinDistance float64 `yaml:"min_distance" json:"min_distance"`
	// TargetStepDistance, when > 0, derives the next calibration amount so
	// one calibration move shifts the star by this many pixels.
	TargetStepDistance float64 `yaml:"target_step_distance" json:"target_step_distance"`
}

var DefaultCalibrationConfig = CalibrationConfig{
	MaxMoves:         60,
	MaxBacklashMoves: 10,
	BacklashDistance: 1.0,
	MinDistance:      3.0,
}

// CalibrationEngine learns how a step guider moves the star. Axis 1 is
// East/West, axis 2 is North/South; backlash is cleared on North/South.
type CalibrationEngine struct {
	guider  *StepGuider
	locator Locator
	cfg     CalibrationConfig
	logger  log.FieldLogger

	mu      sync.Mutex
	state   CalibrationState
	running bool
}

func NewCalibrationEngine(guider *StepGuider, locator Locator, cfg CalibrationConfig, logger log.FieldLogger) *CalibrationEngine {
	if cfg.MaxMoves <= 0 {
		cfg.MaxMoves = DefaultCalibrationConfig.MaxMoves
	}
	if cfg.MaxBacklashMoves <= 0 {
		cfg.MaxBacklashMoves = DefaultCalibrationConfig.MaxBacklashMoves
	}

	return &CalibrationEngine{
		guider:  guider,
		locator: locator,
		cfg:     cfg,
		logger:  orDiscard(logger).WithField("component", "calibration"),
	}
}

func (e *CalibrationEngine) State() CalibrationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *CalibrationEngine) setState(s CalibrationState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Debugf("Calibration state %s", s)
}

// Run performs a full calibration. On success the learned calibration and
// the resulting calibration amount are persisted. On failure neither is
// changed and the error is a CalibrationError.
func (e *CalibrationEngine) Run(ctx context.Context) (Calibration, error) {
	const op = "calibrate"

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Calibration{}, newError(op, KindCalibration, errors.New("calibration already running"))
	}
	e.running = true
	e.mu.Unlock()
	e.guider.setCalibrating(true)

	defer func() {
		e.guider.setCalibrating(false)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.setState(CalibrationIdle)
	}()

	cal, err := e.run(ctx)
	if err != nil {
		if !IsKind(err, KindCalibration) {
			err = newError(op, KindCalibration, err)
		}
		e.logger.Errorf("Calibration failed: %v", err)
		if !IsKind(err, KindBacklash) {
			publish(e.guider.events, EventCalibrationFailed, e.guider.Name(), err.Error(), nil)
		}
		return Calibration{}, err
	}

	e.logger.Infof("Calibration complete: xRate=%.3f yRate=%.3f xAngle=%.3f yAngle=%.3f amount=%d",
		cal.XRate, cal.YRate, cal.XAngle, cal.YAngle, cal.Amount)
	publish(e.guider.events, EventCalibrationDone, e.guider.Name(), "calibration complete", map[string]any{
		"x_rate":  cal.XRate,
		"y_rate":  cal.YRate,
		"x_angle": cal.XAngle,
		"y_angle": cal.YAngle,
		"amount":  cal.Amount,
	})
	return cal, nil
}

func (e *CalibrationEngine) run(ctx context.Context) (Calibration, error) {
	if !e.guider.IsConnected() {
		return Calibration{}, ErrNotConnected
	}
	if e.locator == nil {
		return Calibration{}, errors.New("no star locator configured")
	}

	amount := e.guider.CalibrationAmount()

	if err := e.guider.Center(); err != nil {
		return Calibration{}, fmt.Errorf("center before calibration: %w", err)
	}

	e.setState(CalibrationMovingOutAxis1)
	xDist, xSteps, err := e.moveOut(ctx, East)
	if err != nil {
		return Calibration{}, err
	}

	if err := e.guider.Center(); err != nil {
		return Calibration{}, fmt.Errorf("center between axes: %w", err)
	}

	e.setState(CalibrationMovingOutAxis2)
	yDist, ySteps, err := e.moveOut(ctx, North)
	if err != nil {
		return Calibration{}, err
	}

	e.setState(CalibrationClearingBacklash)
	if err := e.clearBacklash(ctx); err != nil {
		return Calibration{}, err
	}

	e.setState(CalibrationComputing)
	cal, err := e.compute(xDist, xSteps, yDist, ySteps, amount)
	if err != nil {
		return Calibration{}, err
	}

	if err := e.guider.Center(); err != nil {
		e.logger.Warnf("Failed to center after calibration: %v", err)
	}

	if cal.Amount != amount {
		if err := e.guider.store.SetCalibrationAmount(e.guider.Class(), cal.Amount); err != nil {
			return Calibration{}, fmt.Errorf("persist calibration amount: %w", err)
		}
	}
	if err := e.guider.setCalibration(cal); err != nil {
		if cal.Amount != amount {
			if rerr := e.guider.store.SetCalibrationAmount(e.guider.Class(), amount); rerr != nil {
				e.logger.Errorf("Failed to restore calibration amount: %v", rerr)
			}
		}
		return Calibration{}, err
	}

	e.guider.mu.Lock()
	e.guider.amount = cal.Amount
	e.guider.mu.Unlock()
	return cal, nil
}

// moveOut issues calibration moves in dir until the calibration limit is
// reached. It returns the star displacement and the steps taken.
func (e *CalibrationEngine) moveOut(ctx context.Context, dir Direction) (Point, int, error) {
	start, err := e.locator.StarPosition(ctx)
	if err != nil {
		return Point{}, 0, fmt.Errorf("measure start position: %w", err)
	}

	for i := 0; !e.guider.IsAtCalibrationLimit(dir); i++ {
		if i >= e.cfg.MaxMoves {
			return Point{}, 0, newError("calibrate", KindCalibration,
				fmt.Errorf("%s limit not reached after %d moves", dir, e.cfg.MaxMoves))
		}
		if err := ctx.Err(); err != nil {
			return Point{}, 0, err
		}
		if err := e.guider.CalibrationMove(dir); err != nil {
			return Point{}, 0, err
		}

		publish(e.guider.events, EventCalibrationStep, e.guider.Name(), "calibration move", map[string]any{
			"direction": dir.String(),
			"step":      i + 1,
			"position":  e.guider.CurrentPosition(dir),
		})
	}

	end, err := e.locator.StarPosition(ctx)
	if err != nil {
		return Point{}, 0, fmt.Errorf("measure end position: %w", err)
	}

	return Point{X: end.X - start.X, Y: end.Y - start.Y}, e.guider.CurrentPosition(dir), nil
}

// clearBacklash steps back South until the star has moved far enough.
func (e *CalibrationEngine) clearBacklash(ctx context.Context) error {
	ref, err := e.locator.StarPosition(ctx)
	if err != nil {
		return fmt.Errorf("measure backlash reference: %w", err)
	}

	for i := 0; i < e.cfg.MaxBacklashMoves; i++ {
		if err := e.guider.CalibrationMove(South); err != nil {
			e.logger.Errorf("Backlash move failed: %v", err)
			return e.guider.BacklashClearingFailed(err)
		}

		p, err := e.locator.StarPosition(ctx)
		if err != nil {
			e.logger.Errorf("Backlash measurement failed: %v", err)
			return e.guider.BacklashClearingFailed(err)
		}
		if math.Hypot(p.X-ref.X, p.Y-ref.Y) >= e.cfg.BacklashDistance {
			e.logger.Debugf("Backlash cleared after %d moves", i+1)
			return nil
		}
	}

	return e.guider.BacklashClearingFailed(fmt.Errorf("star moved less than %.2f px after %d moves",
		e.cfg.BacklashDistance, e.cfg.MaxBacklashMoves))
}

func (e *CalibrationEngine) compute(xDist Point, xSteps int, yDist Point, ySteps int, amount int) (Calibration, error) {
	xLen := math.Hypot(xDist.X, xDist.Y)
	yLen := math.Hypot(yDist.X, yDist.Y)

	if xSteps <= 0 || ySteps <= 0 {
		return Calibration{}, newError("calibrate", KindCalibration, errors.New("no steps taken"))
	}
	if xLen < e.cfg.MinDistance {
		return Calibration{}, newError("calibrate", KindCalibration,
			fmt.Errorf("East/West axis moved the star %.2f px, need %.2f", xLen, e.cfg.MinDistance))
	}
	if yLen < e.cfg.MinDistance {
		return Calibration{}, newError("calibrate", KindCalibration,
			fmt.Errorf("North/South axis moved the star %.2f px, need %.2f", yLen, e.cfg.MinDistance))
	}

	cal := Calibration{
		XRate:  xLen / float64(xSteps),
		YRate:  yLen / float64(ySteps),
		XAngle: math.Atan2(xDist.Y, xDist.X),
		YAngle: math.Atan2(yDist.Y, yDist.X),
		Amount: amount,
		Taken:  time.Now(),
	}

	if e.cfg.TargetStepDistance > 0 {
		rate := math.Min(cal.XRate, cal.YRate)
		derived := int(math.Floor(e.cfg.TargetStepDistance/rate + 0.5))
		if derived < 1 {
			derived = 1
		}
		cal.Amount = derived
	}

	return cal, nil
}
