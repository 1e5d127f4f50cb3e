package guider

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected          = errors.New("device not connected")
	ErrAlreadyConnected      = errors.New("device already connected")
	ErrNotImplemented        = errors.New("not implemented by driver")
	ErrLimitReached          = errors.New("travel limit reached")
	ErrGuideRatesUnavailable = errors.New("guide rates unavailable")
	ErrNotCalibrated         = errors.New("not calibrated")
	ErrInvalidDirection      = errors.New("invalid direction")
	ErrCalibrating           = errors.New("calibration in progress")
)

// Kind classifies an Error.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindGuide
	KindStep
	KindStillMoving
	KindValidation
	KindCalibration
	KindBacklash
	KindMove
	KindTransform
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect error"
	case KindDisconnect:
		return "disconnect error"
	case KindGuide:
		return "guide error"
	case KindStep:
		return "step error"
	case KindStillMoving:
		return "still moving"
	case KindValidation:
		return "validation error"
	case KindCalibration:
		return "calibration error"
	case KindBacklash:
		return "backlash error"
	case KindMove:
		return "move error"
	case KindTransform:
		return "transform error"
	default:
		return "unknown error"
	}
}

// matches reports whether an error of kind k also counts as target.
// A backlash failure is a calibration failure.
func (k Kind) matches(target Kind) bool {
	return k == target || (k == KindBacklash && target == KindCalibration)
}

// Error carries the operation that failed and its kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether any *Error in err's chain has the given kind.
// A MoveError wrapping a StepError therefore satisfies both kinds.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind.matches(kind) {
			return true
		}
		err = e.Err
	}
	return false
}
