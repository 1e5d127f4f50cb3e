package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"aoguide/pkg/guider"

	log "github.com/sirupsen/logrus"
)

const mountName = "Mount Simulator"

// Mount is a simulated guider.ScopeDriver.
type Mount struct {
	sky    *Sky
	logger log.FieldLogger

	mu        sync.Mutex
	connected bool
	pulseEnd  time.Time
	ra        float64 // hours
	dec       float64 // degrees
}

func NewMount(sky *Sky, logger log.FieldLogger) *Mount {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mount{
		sky:    sky,
		logger: logger.WithField("driver", "simulator"),
		dec:    sky.cfg.Declination,
	}
}

func (m *Mount) Name() string { return mountName }

func (m *Mount) Capabilities() guider.ScopeCapabilities {
	return guider.ScopeCapabilities{
		CanPulseGuide:          true,
		CanCheckPulseGuiding:   true,
		CanGetCoordinates:      true,
		CanSlew:                true,
		CanGetGuideRates:       true,
		CanReportSlewingStatus: true,
	}
}

func (m *Mount) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return guider.ErrAlreadyConnected
	}
	m.connected = true
	m.logger.Infof("%s connected", mountName)
	return nil
}

func (m *Mount) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return guider.ErrNotConnected
	}
	m.connected = false
	m.logger.Infof("%s disconnected", mountName)
	return nil
}

func (m *Mount) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// PulseGuide moves the star at once and reports pulse guiding for the
// length of the pulse.
func (m *Mount) PulseGuide(_ context.Context, dir guider.Direction, duration time.Duration) error {
	if !dir.Valid() {
		return guider.ErrInvalidDirection
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return guider.ErrNotConnected
	}

	m.sky.pulse(dir, float64(duration)/float64(time.Millisecond))
	m.pulseEnd = time.Now().Add(duration)
	m.logger.Debugf("PulseGuide %s %v", dir, duration)
	return nil
}

func (m *Mount) IsPulseGuiding() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, guider.ErrNotConnected
	}
	return time.Now().Before(m.pulseEnd), nil
}

// Slewing is always false: simulated slews complete immediately.
func (m *Mount) Slewing() (bool, error) {
	if !m.Connected() {
		return false, guider.ErrNotConnected
	}
	return false, nil
}

func (m *Mount) GuideRates() (float64, float64, error) {
	if !m.Connected() {
		return 0, 0, guider.ErrNotConnected
	}
	return m.sky.cfg.GuideRate, m.sky.cfg.GuideRate, nil
}

func (m *Mount) Coordinates() (guider.Coordinates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return guider.Coordinates{}, guider.ErrNotConnected
	}
	return guider.Coordinates{
		RightAscension: m.ra,
		Declination:    m.dec,
		SiderealTime:   siderealTime(time.Now()),
	}, nil
}

func (m *Mount) SlewToCoordinates(_ context.Context, ra, dec float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return guider.ErrNotConnected
	}
	m.ra, m.dec = ra, dec
	m.logger.Infof("Slewed to RA %.3fh Dec %.2f", ra, dec)
	return nil
}

// siderealTime returns the Greenwich mean sidereal time in hours.
func siderealTime(t time.Time) float64 {
	const j2000 = 946728000 // 2000-01-01T12:00:00Z
	days := float64(t.Unix()-j2000) / 86400
	return math.Mod(math.Mod(18.697374558+24.06570982441908*days, 24)+24, 24)
}
