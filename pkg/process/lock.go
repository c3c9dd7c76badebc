package process

import (
	"context"
	"sync"
)

// LaunchLock serializes maintenance actions against process launches.
//
// Any number of launches may hold the lock together; WithExclusivity waits
// for all of them and blocks new ones until its action returns. A single
// LaunchLock is shared by every Executor of a host.
type LaunchLock struct {
	mu sync.RWMutex
}

func NewLaunchLock() *LaunchLock {
	return &LaunchLock{}
}

// WithExclusivity runs fn while no process launch is in flight. fn is not
// called when ctx is done before or while the lock is acquired.
//
// fn must not launch processes through an Executor sharing this lock.
func (l *LaunchLock) WithExclusivity(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (l *LaunchLock) launch(start func() error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return start()
}
