package guider

import (
	"context"
	"time"
)

// ScopeCapabilities lists the optional features of a mount driver.
// Drivers fill it in once they are connected.
type ScopeCapabilities struct {
	CanPulseGuide          bool `json:"CanPulseGuide"`
	CanCheckPulseGuiding   bool `json:"CanCheckPulseGuiding"`
	CanGetCoordinates      bool `json:"CanGetCoordinates"`
	CanSlew                bool `json:"CanSlew"`
	CanGetGuideRates       bool `json:"CanGetGuideRates"`
	CanReportSlewingStatus bool `json:"CanReportSlewingStatus"`
}

// Coordinates are the mount's equatorial coordinates as reported by the
// driver: RA in hours, declination in degrees and sidereal time in hours.
type Coordinates struct {
	RightAscension float64
	Declination    float64
	SiderealTime   float64
}

// ScopeDriver adapts one family of mount hardware. Methods behind a false
// capability flag return ErrNotImplemented.
type ScopeDriver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Capabilities() ScopeCapabilities

	PulseGuide(ctx context.Context, dir Direction, duration time.Duration) error
	IsPulseGuiding() (bool, error)
	Slewing() (bool, error)

	// GuideRates returns the RA and Dec guide rates in degrees per second.
	GuideRates() (ra, dec float64, err error)
	Coordinates() (Coordinates, error)
	SlewToCoordinates(ctx context.Context, ra, dec float64) error
}

// AOCapabilities lists the optional features of a bounded corrector driver.
type AOCapabilities struct {
	CanReportPosition bool `json:"CanReportPosition"`
	CanCenter         bool `json:"CanCenter"`
}

// AODriver adapts one family of adaptive optics hardware.
type AODriver interface {
	Name() string
	// Class identifies the device model. Calibration settings are persisted per class.
	Class() string
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Capabilities() AOCapabilities

	// Step moves count native steps. A refused move past the travel limit
	// is reported as ErrLimitReached.
	Step(ctx context.Context, dir Direction, count int) error
	Center(ctx context.Context) error
	// Position returns the signed offset from centre on axis.
	Position(axis Axis) (int, error)
	MaxStepsFromCenter(axis Axis) int
}

// Locator measures the guide star position on the camera in pixels.
// It stands in for the capture and centroid pipeline.
type Locator interface {
	StarPosition(ctx context.Context) (Point, error)
}

// Point is a camera-frame position or displacement in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Offset is a displacement in the primary mount's RA/Dec frame.
type Offset struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Scheduler runs relief moves on the primary mount. Schedule must return
// without waiting for the move.
type Scheduler interface {
	Schedule(scope *Scope, offset Offset, normalMove bool)
}
