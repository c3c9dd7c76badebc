package jobservice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// Broadcaster pushes job snapshots to subscribers grouped by job id.
//
// Calls for a single job are never concurrent and arrive in order.
type Broadcaster interface {
	Broadcast(ctx context.Context, job jobregistry.Job) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(context.Context, jobregistry.Job) error { return nil }

// DefaultUpdatesPerSecond is the per-job broadcast ceiling.
const DefaultUpdatesPerSecond = 4

const broadcastTimeout = 10 * time.Second

// updateChain delivers snapshots of one job in order, at most limit per
// second. Only the latest pending snapshot is kept; anything it replaces is
// dropped. The final snapshot bypasses the limiter.
type updateChain struct {
	sink    Broadcaster
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	pending *jobregistry.Job
	final   *jobregistry.Job
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newUpdateChain(sink Broadcaster, perSecond float64, logger *zap.Logger) *updateChain {
	ctx, cancel := context.WithCancel(context.Background())
	c := &updateChain{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Queue replaces the pending snapshot. It is a no-op after Close.
func (c *updateChain) Queue(job jobregistry.Job) {
	snapshot := job.Clone()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = &snapshot
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close discards any pending snapshot, sends final (when non-nil) after every
// snapshot already handed to the sink, and waits for the sender to exit.
func (c *updateChain) Close(final *jobregistry.Job) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.pending = nil
	if final != nil {
		snapshot := final.Clone()
		c.final = &snapshot
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
}

func (c *updateChain) run() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			c.sendFinal()
			return
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			c.sendFinal()
			return
		}

		c.mu.Lock()
		next := c.pending
		c.pending = nil
		c.mu.Unlock()

		if next != nil {
			c.send(*next)
		}
	}
}

func (c *updateChain) sendFinal() {
	c.mu.Lock()
	final := c.final
	c.mu.Unlock()
	if final != nil {
		c.send(*final)
	}
}

func (c *updateChain) send(job jobregistry.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	if err := c.sink.Broadcast(ctx, job); err != nil {
		c.logger.Warn("Job broadcast failed", zap.Error(err))
	}
}
