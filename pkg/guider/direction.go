package guider

import "fmt"

// Direction is a guide direction. The numbering follows the Alpaca/ASCOM
// GuideDirections enumeration so it can be sent to drivers unchanged.
type Direction int

const (
	North Direction = iota
	South
	East
	West
)

// Axis is one physical axis of a device. North and South share AxisNS,
// East and West share AxisEW.
type Axis int

const (
	AxisNS Axis = iota
	AxisEW
)

func (d Direction) String() string {
	switch d {
	case North:
		return "North"
	case South:
		return "South"
	case East:
		return "East"
	case West:
		return "West"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Valid reports whether d is one of the four guide directions.
func (d Direction) Valid() bool {
	return d >= North && d <= West
}

// Axis returns the axis d moves along.
func (d Direction) Axis() Axis {
	if d == East || d == West {
		return AxisEW
	}
	return AxisNS
}

// Sign is +1 for North and East, -1 for South and West.
func (d Direction) Sign() int {
	if d == South || d == West {
		return -1
	}
	return 1
}

// Opposite returns the reverse direction on the same axis.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	default:
		return East
	}
}

func (a Axis) String() string {
	if a == AxisEW {
		return "East/West"
	}
	return "North/South"
}

// Positive returns the direction with a positive sign on the axis.
func (a Axis) Positive() Direction {
	if a == AxisEW {
		return East
	}
	return North
}

// DirectionFor returns the direction on axis a matching the sign of value.
// Zero maps to the positive direction.
func DirectionFor(a Axis, value float64) Direction {
	d := a.Positive()
	if value < 0 {
		return d.Opposite()
	}
	return d
}
