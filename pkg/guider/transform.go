package guider

import (
	"errors"
	"math"
	"time"
)

// Calibration describes how a device moves the star on the camera.
// Units are pixels per native unit: steps for a step guider, milliseconds
// of pulse for a mount.
type Calibration struct {
	XRate  float64   `json:"x_rate"`  // East/West axis
	YRate  float64   `json:"y_rate"`  // North/South axis
	XAngle float64   `json:"x_angle"` // radians, camera angle of an East move
	YAngle float64   `json:"y_angle"` // radians, camera angle of a North move
	Amount int       `json:"amount"`  // calibration amount in effect after the run
	Taken  time.Time `json:"taken"`
}

// Valid reports whether both axes have a usable rate.
func (c Calibration) Valid() bool {
	return c.XRate > 0 && c.YRate > 0 &&
		!math.IsInf(c.XRate, 0) && !math.IsInf(c.YRate, 0)
}

// Frame is the mount telemetry needed to re-express a corrector offset in
// the mount's RA/Dec frame.
type Frame struct {
	// Angle rotates corrector axes onto mount axes, in radians.
	Angle float64

	RARate     float64 // degrees per second
	DecRate    float64 // degrees per second
	RatesKnown bool

	Declination      float64 // radians
	DeclinationKnown bool
}

// Transform maps a corrector-axis offset pair into the mount's RA/Dec
// frame. It has no side effects and fails only when the telemetry it needs
// is missing or unusable.
func Transform(f Frame, raDistance, decDistance float64) (Offset, error) {
	const op = "transform"

	if !f.RatesKnown {
		return Offset{}, newError(op, KindTransform, ErrGuideRatesUnavailable)
	}
	if f.RARate <= 0 || f.DecRate <= 0 || math.IsNaN(f.RARate) || math.IsNaN(f.DecRate) {
		return Offset{}, newError(op, KindTransform, ErrGuideRatesUnavailable)
	}
	if !finite(raDistance) || !finite(decDistance) || !finite(f.Angle) {
		return Offset{}, newError(op, KindTransform, errors.New("non-finite input"))
	}

	hyp := math.Hypot(raDistance, decDistance)
	theta := math.Atan2(decDistance, raDistance) + f.Angle

	out := Offset{
		RA:  math.Cos(theta) * hyp,
		Dec: math.Sin(theta) * hyp,
	}

	if f.DeclinationKnown {
		if c := math.Cos(f.Declination); math.Abs(c) > 1e-3 {
			out.RA /= c
		}
	}

	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// axisCorrections converts a star displacement into the corrections that
// move it back, one per axis, using cal. Amounts are in native units.
func axisCorrections(cal Calibration, displacement Point) []Correction {
	ex := project(displacement, cal.XAngle) / cal.XRate
	ey := project(displacement, cal.YAngle) / cal.YRate

	return []Correction{
		{Direction: DirectionFor(AxisNS, -ey), Amount: math.Abs(ey)},
		{Direction: DirectionFor(AxisEW, -ex), Amount: math.Abs(ex)},
	}
}

// project returns the component of p along the unit vector at angle.
func project(p Point, angle float64) float64 {
	return p.X*math.Cos(angle) + p.Y*math.Sin(angle)
}
