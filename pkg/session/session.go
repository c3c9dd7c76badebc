package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/sessiond/pkg/process"
)

// Session is a supervised daemon together with the resources acquired to run
// it.
type Session struct {
	record     *ReattachRecord
	proc       *process.Process
	lock       EngineLock
	tracking   ChatTrackingContext
	caps       Capabilities
	reattached bool
	logger     *zap.Logger

	postLifetime func(context.Context)
	postOnce     sync.Once

	closeOnce sync.Once
	closeErr  error
}

func newSession(rec *ReattachRecord, proc *process.Process, lock EngineLock, tracking ChatTrackingContext, caps Capabilities, reattached bool, logger *zap.Logger) *Session {
	return &Session{
		record:     rec,
		proc:       proc,
		lock:       lock,
		tracking:   tracking,
		caps:       caps,
		reattached: reattached,
		logger:     logger.With(zap.Int("pid", proc.ID())),
	}
}

// Record is the reattach record to persist for this session.
func (s *Session) Record() *ReattachRecord { return s.record }

func (s *Session) Process() *process.Process { return s.proc }

func (s *Session) Capabilities() Capabilities { return s.caps }

// Reattached reports whether the session was adopted after a host restart.
func (s *Session) Reattached() bool { return s.reattached }

// Lifetime waits for the daemon to exit. The first observed exit logs the
// daemon's output.
func (s *Session) Lifetime(ctx context.Context) (int, error) {
	code, err := s.proc.Lifetime(ctx)
	if ctx.Err() != nil {
		return code, err
	}
	s.postOnce.Do(func() {
		s.logger.Info("Daemon exited", zap.Int("exit_code", code))
		if s.postLifetime != nil {
			s.postLifetime(ctx)
		}
	})
	return code, err
}

// Terminate kills the daemon.
func (s *Session) Terminate() error {
	return s.proc.Terminate()
}

// Close releases the session's resources in reverse acquisition order. The
// daemon itself keeps running unless it was terminated.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.tracking != nil {
			errs = append(errs, s.tracking.Close())
		}
		errs = append(errs, s.proc.Close())
		if s.lock != nil {
			errs = append(errs, s.lock.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
