package jobservice

import (
	"context"
	"sync"
)

// handler is the live, in-memory counterpart of a registered job.
type handler struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    func(ctx context.Context) bool

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
	success   bool

	// guarded by Service.mu
	progress *int
	stage    *string
	revision uint64
	// finished stops progress updates once the body has returned.
	finished bool
}

func newHandler(run func(ctx context.Context) bool) *handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &handler{
		ctx:     ctx,
		cancel:  cancel,
		run:     run,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the body. Later calls are no-ops.
func (h *handler) Start() {
	h.startOnce.Do(func() {
		close(h.started)
		go func() {
			defer close(h.done)
			h.success = h.run(h.ctx)
		}()
	})
}

func (h *handler) Started() bool {
	select {
	case <-h.started:
		return true
	default:
		return false
	}
}

// Cancel signals cooperative cancellation. It is idempotent.
func (h *handler) Cancel() {
	h.cancel()
}

// Wait blocks until the body has fully unwound and returns its outcome.
func (h *handler) Wait(ctx context.Context) (bool, error) {
	select {
	case <-h.done:
		return h.success, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close releases the cancellation source.
func (h *handler) Close() {
	h.cancel()
}
