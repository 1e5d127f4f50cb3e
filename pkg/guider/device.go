package guider

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// link tracks the connection lifecycle of one device and serialises the
// commands sent to it. Every command runs under cmd with a context that is
// cancelled by close, so a disconnect never leaves a command behind.
type link struct {
	mu     sync.Mutex
	state  connState
	ctx    context.Context
	cancel context.CancelFunc

	cmd      sync.Mutex
	inFlight atomic.Bool
}

func (l *link) open(connect func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.state != connStateDisconnected {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.state = connStateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Unlock()

	if err := connect(ctx); err != nil {
		cancel()
		l.mu.Lock()
		l.state = connStateDisconnected
		l.mu.Unlock()
		return err
	}

	l.mu.Lock()
	l.ctx = ctx
	l.cancel = cancel
	l.state = connStateConnected
	l.mu.Unlock()
	return nil
}

// close marks the link disconnected, aborts the running command and waits
// for it to return before calling disconnect.
func (l *link) close(disconnect func() error) error {
	l.mu.Lock()
	if l.state != connStateConnected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.state = connStateDisconnected
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	cancel()

	l.cmd.Lock()
	defer l.cmd.Unlock()
	return disconnect()
}

func (l *link) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == connStateConnected
}

func (l *link) connecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == connStateConnecting
}

// begin acquires the command slot. The returned release must be called
// when the command is done.
func (l *link) begin() (context.Context, func(), error) {
	l.mu.Lock()
	if l.state != connStateConnected {
		l.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	ctx := l.ctx
	l.mu.Unlock()

	l.cmd.Lock()
	if ctx.Err() != nil {
		l.cmd.Unlock()
		return nil, nil, ErrNotConnected
	}
	l.inFlight.Store(true)

	release := func() {
		l.inFlight.Store(false)
		l.cmd.Unlock()
	}
	return ctx, release, nil
}

// busy reports whether a command currently holds the slot.
func (l *link) busy() bool {
	return l.inFlight.Load()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDiscard(logger log.FieldLogger) log.FieldLogger {
	if logger != nil {
		return logger
	}
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
