// Package jobhub delivers job snapshots to subscribers.
package jobhub

import (
	"context"
	"errors"
	"sync"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// Hub fans snapshots out to in-process subscribers grouped by job id.
//
// Each subscriber has a single-slot mailbox: a snapshot that has not been
// received yet is replaced by a newer one, so a slow subscriber never blocks
// Broadcast and always observes the latest state.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
	}
}

// Subscription receives snapshots until Close is called.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan jobregistry.Job
	once  sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan jobregistry.Job {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Subscribe registers for snapshots of jobID. An empty jobID subscribes to
// every job.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{hub: h, jobID: jobID, ch: make(chan jobregistry.Job, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if jobID == "" {
		h.all[sub] = struct{}{}
		return sub
	}
	group, ok := h.groups[jobID]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[jobID] = group
	}
	group[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.jobID == "" {
		delete(h.all, sub)
	} else if group, ok := h.groups[sub.jobID]; ok {
		delete(group, sub)
		if len(group) == 0 {
			delete(h.groups, sub.jobID)
		}
	}
	close(sub.ch)
}

// Broadcast delivers job to every subscriber of its id and to wildcard
// subscribers.
func (h *Hub) Broadcast(ctx context.Context, job jobregistry.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.groups[job.ID] {
		deliver(sub.ch, job)
	}
	for sub := range h.all {
		deliver(sub.ch, job)
	}
	return nil
}

// Subscribers returns the number of subscribers for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if jobID == "" {
		return len(h.all)
	}
	return len(h.groups[jobID])
}

func deliver(ch chan jobregistry.Job, job jobregistry.Job) {
	snapshot := job.Clone()
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		// Mailbox full: drop the stale snapshot and retry.
		select {
		case <-ch:
		default:
		}
	}
}

// Fanout broadcasts to several broadcasters in order. Every broadcaster is
// attempted; failures are joined.
type Fanout []Broadcaster

// Broadcaster is satisfied by Hub, RedisPublisher and Fanout.
type Broadcaster interface {
	Broadcast(ctx context.Context, job jobregistry.Job) error
}

func (f Fanout) Broadcast(ctx context.Context, job jobregistry.Job) error {
	var errs []error
	for _, b := range f {
		if err := b.Broadcast(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
