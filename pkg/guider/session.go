package guider

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Device roles in a session.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// DeviceStore remembers the last device selected for each role.
type DeviceStore interface {
	SetLastDevice(role, name string) error
}

// Session owns the active devices: exactly one primary mount and at most
// one step guider. Connect and Disconnect are its only mutators.
type Session struct {
	scheduler Scheduler
	store     DeviceStore
	logger    log.FieldLogger

	mu        sync.Mutex
	primary   *Scope
	secondary *StepGuider
}

func NewSession(scheduler Scheduler, store DeviceStore, logger log.FieldLogger) *Session {
	return &Session{
		scheduler: scheduler,
		store:     store,
		logger:    orDiscard(logger).WithField("component", "session"),
	}
}

func (s *Session) Primary() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

func (s *Session) Secondary() *StepGuider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondary
}

// ConnectPrimary connects scope and makes it the primary mount. A
// previous primary is disconnected first.
func (s *Session) ConnectPrimary(scope *Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary != nil && s.primary != scope {
		s.release(s.primary)
		s.primary = nil
		if s.secondary != nil {
			s.secondary.attach(nil, nil)
		}
	}

	if !scope.IsConnected() {
		if err := scope.Connect(); err != nil {
			return err
		}
	}

	s.primary = scope
	if s.secondary != nil {
		s.secondary.attach(scope, s.scheduler)
	}
	s.remember(RolePrimary, scope.Name())
	return nil
}

// ConnectSecondary connects guider and makes it the active corrector. A
// previous step guider is disconnected and dropped first. If the connect
// fails the session is left primary-only.
func (s *Session) ConnectSecondary(guider *StepGuider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secondary != nil {
		s.secondary.attach(nil, nil)
		if s.secondary != guider {
			s.release(s.secondary)
		}
		s.secondary = nil
	}

	if !guider.IsConnected() {
		if err := guider.Connect(); err != nil {
			return err
		}
	}

	s.secondary = guider
	guider.attach(s.primary, s.scheduler)
	s.remember(RoleSecondary, guider.Name())
	return nil
}

func (s *Session) DisconnectPrimary() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary == nil {
		return newError("disconnect primary", KindDisconnect, ErrNotConnected)
	}
	if s.secondary != nil {
		s.secondary.attach(nil, nil)
	}
	err := s.primary.Disconnect()
	s.primary = nil
	return err
}

func (s *Session) DisconnectSecondary() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secondary == nil {
		return newError("disconnect secondary", KindDisconnect, ErrNotConnected)
	}
	s.secondary.attach(nil, nil)
	err := s.secondary.Disconnect()
	s.secondary = nil
	return err
}

// Close disconnects every active device.
func (s *Session) Close() error {
	var errs []error
	if s.Secondary() != nil {
		errs = append(errs, s.DisconnectSecondary())
	}
	if s.Primary() != nil {
		errs = append(errs, s.DisconnectPrimary())
	}
	return errors.Join(errs...)
}

type disconnecter interface {
	IsConnected() bool
	Disconnect() error
	Name() string
}

func (s *Session) release(d disconnecter) {
	if !d.IsConnected() {
		return
	}
	if err := d.Disconnect(); err != nil {
		s.logger.Warnf("Failed to disconnect %s: %v", d.Name(), err)
	}
}

func (s *Session) remember(role, name string) {
	if s.store == nil {
		return
	}
	if err := s.store.SetLastDevice(role, name); err != nil {
		s.logger.Warnf("Failed to store last %s device: %v", role, err)
	}
}
