package simulator

import (
	"context"
	"sync"

	"aoguide/pkg/guider"

	log "github.com/sirupsen/logrus"
)

const (
	aoName  = "AO Simulator"
	AOClass = "simao"
)

// AO is a simulated guider.AODriver. Unlike most hardware it reports its
// position.
type AO struct {
	sky    *Sky
	logger log.FieldLogger

	mu        sync.Mutex
	connected bool
}

func NewAO(sky *Sky, logger log.FieldLogger) *AO {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &AO{sky: sky, logger: logger.WithField("driver", "simulator")}
}

func (a *AO) Name() string  { return aoName }
func (a *AO) Class() string { return AOClass }

func (a *AO) Capabilities() guider.AOCapabilities {
	return guider.AOCapabilities{CanReportPosition: true, CanCenter: true}
}

func (a *AO) MaxStepsFromCenter(guider.Axis) int { return a.sky.cfg.MaxSteps }

func (a *AO) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return guider.ErrAlreadyConnected
	}
	a.connected = true
	a.sky.centerAO()
	a.logger.Infof("%s connected", aoName)
	return nil
}

func (a *AO) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return guider.ErrNotConnected
	}
	a.connected = false
	a.logger.Infof("%s disconnected", aoName)
	return nil
}

func (a *AO) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *AO) Step(ctx context.Context, dir guider.Direction, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !dir.Valid() {
		return guider.ErrInvalidDirection
	}
	if !a.Connected() {
		return guider.ErrNotConnected
	}
	if !a.sky.stepAO(dir, count) {
		return guider.ErrLimitReached
	}
	return nil
}

func (a *AO) Center(context.Context) error {
	if !a.Connected() {
		return guider.ErrNotConnected
	}
	a.sky.centerAO()
	return nil
}

func (a *AO) Position(axis guider.Axis) (int, error) {
	if !a.Connected() {
		return 0, guider.ErrNotConnected
	}
	return a.sky.aoPosition(axis), nil
}
