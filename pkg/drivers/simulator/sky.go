// Package simulator provides a simulated mount and adaptive optics unit
// that move one simulated star on a simulated camera.
package simulator

import (
	"context"
	"math"
	"sync"

	"aoguide/pkg/guider"
)

// Config describes the simulated optics.
type Config struct {
	// PixelsPerStep is how far one AO step moves the star.
	PixelsPerStep float64 `yaml:"pixels_per_step"`
	// PixelsPerMs is how far one millisecond of guide pulse moves the star.
	PixelsPerMs float64 `yaml:"pixels_per_ms"`
	// Angle is the camera rotation in radians.
	Angle float64 `yaml:"angle"`
	// Drift is added to the star position on every exposure, in pixels.
	Drift guider.Point `yaml:"drift"`

	MaxSteps    int     `yaml:"max_steps"`
	Declination float64 `yaml:"declination"` // degrees
	GuideRate   float64 `yaml:"guide_rate"`  // degrees per second
}

var DefaultConfig = Config{
	PixelsPerStep: 0.5,
	PixelsPerMs:   0.01,
	Angle:         0,
	MaxSteps:      45,
	Declination:   20,
	GuideRate:     0.5 * 15.041 / 3600.0,
}

func (c *Config) setDefaults() {
	if c.PixelsPerStep <= 0 {
		c.PixelsPerStep = DefaultConfig.PixelsPerStep
	}
	if c.PixelsPerMs <= 0 {
		c.PixelsPerMs = DefaultConfig.PixelsPerMs
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultConfig.MaxSteps
	}
	if c.GuideRate <= 0 {
		c.GuideRate = DefaultConfig.GuideRate
	}
}

// Sky holds the state shared by the simulated devices and measures the
// star for calibration and guiding.
type Sky struct {
	cfg Config

	mu      sync.Mutex
	ao      [2]int     // AO steps from centre, indexed by guider.Axis
	mount   [2]float64 // accumulated mount motion in pulse ms, indexed by guider.Axis
	drift   guider.Point
	perShot guider.Point
}

func NewSky(cfg Config) *Sky {
	cfg.setDefaults()
	return &Sky{cfg: cfg, perShot: cfg.Drift}
}

// SetDrift changes the drift added on every exposure.
func (s *Sky) SetDrift(p guider.Point) {
	s.mu.Lock()
	s.perShot = p
	s.mu.Unlock()
}

func (s *Sky) Config() Config {
	return s.cfg
}

// StarPosition implements guider.Locator.
func (s *Sky) StarPosition(ctx context.Context) (guider.Point, error) {
	if err := ctx.Err(); err != nil {
		return guider.Point{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.drift.X += s.perShot.X
	s.drift.Y += s.perShot.Y

	x := float64(s.ao[guider.AxisEW])*s.cfg.PixelsPerStep + s.mount[guider.AxisEW]*s.cfg.PixelsPerMs
	y := float64(s.ao[guider.AxisNS])*s.cfg.PixelsPerStep + s.mount[guider.AxisNS]*s.cfg.PixelsPerMs

	c, sn := math.Cos(s.cfg.Angle), math.Sin(s.cfg.Angle)
	return guider.Point{
		X: x*c - y*sn + s.drift.X,
		Y: x*sn + y*c + s.drift.Y,
	}, nil
}

func (s *Sky) stepAO(dir guider.Direction, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	axis := dir.Axis()
	next := s.ao[axis] + dir.Sign()*count
	if next > s.cfg.MaxSteps || next < -s.cfg.MaxSteps {
		return false
	}
	s.ao[axis] = next
	return true
}

func (s *Sky) centerAO() {
	s.mu.Lock()
	s.ao = [2]int{}
	s.mu.Unlock()
}

func (s *Sky) aoPosition(axis guider.Axis) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ao[axis]
}

func (s *Sky) pulse(dir guider.Direction, ms float64) {
	s.mu.Lock()
	s.mount[dir.Axis()] += float64(dir.Sign()) * ms
	s.mu.Unlock()
}
