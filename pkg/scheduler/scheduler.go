// Package scheduler runs primary mount relief moves off the caller's
// goroutine.
package scheduler

import (
	"context"
	"io"

	"aoguide/pkg/guider"

	log "github.com/sirupsen/logrus"
)

const defaultQueueSize = 4

type request struct {
	scope  *guider.Scope
	offset guider.Offset
	normal bool
}

// Scheduler queues relief moves and executes them one at a time.
type Scheduler struct {
	queue  chan request
	logger log.FieldLogger
}

func New(size int, logger log.FieldLogger) *Scheduler {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		l := log.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Scheduler{
		queue:  make(chan request, size),
		logger: logger.WithField("component", "scheduler"),
	}
}

// Schedule queues a relief move and returns immediately. When the queue is
// full the request is dropped.
func (s *Scheduler) Schedule(scope *guider.Scope, offset guider.Offset, normalMove bool) {
	select {
	case s.queue <- request{scope: scope, offset: offset, normal: normalMove}:
		s.logger.Debugf("Scheduled relief ra=%.4f dec=%.4f on %s", offset.RA, offset.Dec, scope.Name())
	default:
		s.logger.Warnf("Relief queue full, dropping move for %s", scope.Name())
	}
}

// Run executes queued moves until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.queue:
			if err := req.scope.MoveOffset(req.offset, req.normal); err != nil {
				s.logger.Errorf("Relief move on %s failed: %v", req.scope.Name(), err)
				continue
			}
			s.logger.Debugf("Relief move on %s done", req.scope.Name())
		}
	}
}
