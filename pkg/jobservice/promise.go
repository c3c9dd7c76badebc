package jobservice

import (
	"context"
	"sync"
)

// promise is a single-resolution value many goroutines can wait on.
type promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// resolve sets the value. It reports false if the promise was already resolved.
func (p *promise[T]) resolve(v T) bool {
	resolved := false
	p.once.Do(func() {
		p.value = v
		close(p.done)
		resolved = true
	})
	return resolved
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *promise[T]) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
