// Package jobservice runs and tracks background jobs.
//
// A Service registers jobs with an entrypoint, runs each entrypoint on its own
// goroutine under a cancellable context, relays progress to a Broadcaster, and
// persists the outcome exactly once. Job bodies block until Activate supplies
// the instance provider, and no body starts before Start.
//
// Lock order: addCancelMu is always acquired before mu.
package jobservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// Instance is the handle of the instance a job operates on.
type Instance interface {
	ID() string
}

// InstanceProvider resolves instance handles once the host has started.
type InstanceProvider interface {
	Instance(id string) (Instance, error)
}

// Entrypoint is the body of a job. Returning nil marks success. Returning an
// error wrapping context.Canceled marks the job cancelled, and a
// *jobregistry.JobError records its code.
type Entrypoint func(ctx context.Context, instance Instance, store jobregistry.Store, job *jobregistry.Job, progress *ProgressReporter) error

// JobResult is the outcome reported by WaitForJobCompletion.
type JobResult int

const (
	JobResultNotFound JobResult = iota
	JobResultSucceeded
	JobResultFailed
)

func (r JobResult) String() string {
	switch r {
	case JobResultSucceeded:
		return "succeeded"
	case JobResultFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// Progress is the live progress mirror of a running job.
type Progress struct {
	Progress *int    `json:"progress,omitempty"`
	Stage    *string `json:"stage,omitempty"`
	Revision uint64  `json:"revision,omitempty"`
}

// WaitOptions tune WaitForJobCompletion.
type WaitOptions struct {
	// CancelOn, when closed, cancels the job on behalf of Canceller.
	CancelOn  <-chan struct{}
	Canceller string
}

var (
	ErrAlreadyActivated     = errors.New("job service already activated")
	ErrInvalidRegistration  = errors.New("invalid job registration")
	ErrUncancellableContext = errors.New("context must be cancellable")
	ErrStopped              = errors.New("job service stopped")
)

type Config struct {
	// UpdatesPerSecond caps broadcasts per job. Zero uses DefaultUpdatesPerSecond.
	UpdatesPerSecond float64

	// SystemUser is recorded when no user reference is supplied.
	SystemUser string

	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		UpdatesPerSecond: DefaultUpdatesPerSecond,
		SystemUser:       jobregistry.SystemUser,
	}
}

type Service struct {
	cfg         Config
	store       jobregistry.Store
	broadcaster Broadcaster
	logger      *zap.Logger
	createdAt   time.Time

	activation *promise[InstanceProvider]

	addCancelMu sync.Mutex

	mu        sync.Mutex
	jobs      map[string]*handler
	suspended bool
	stopped   bool
}

// New returns a Service in the start-suspended state.
func New(cfg Config, store jobregistry.Store, broadcaster Broadcaster, logger *zap.Logger) *Service {
	if cfg.UpdatesPerSecond <= 0 {
		cfg.UpdatesPerSecond = DefaultUpdatesPerSecond
	}
	if cfg.SystemUser == "" {
		cfg.SystemUser = jobregistry.SystemUser
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		createdAt:   cfg.Now().UTC(),
		activation:  newPromise[InstanceProvider](),
		jobs:        make(map[string]*handler),
		suspended:   true,
	}
}

// Start sweeps jobs left unfinished by a previous host lifetime, then lets
// registered jobs run.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recoverUnfinished(ctx); err != nil {
		return err
	}

	s.addCancelMu.Lock()
	defer s.addCancelMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.suspended = false
	pending := make([]*handler, 0, len(s.jobs))
	for _, h := range s.jobs {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	for _, h := range pending {
		h.Start()
	}
	return nil
}

func (s *Service) recoverUnfinished(ctx context.Context) error {
	unfinished, err := s.store.List(ctx, jobregistry.ListFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}

	now := s.cfg.Now()
	swept := 0
	for _, job := range unfinished {
		if !job.StartedAt.Before(s.createdAt) || s.tracked(job.ID) {
			continue
		}
		err := s.store.Finish(ctx, job.ID, jobregistry.Termination{StoppedAt: now, Cancelled: true})
		if err != nil && !errors.Is(err, jobregistry.ErrAlreadyFinished) {
			return fmt.Errorf("cancel unfinished job %s: %w", job.ID, err)
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("Cancelled jobs left unfinished by a previous run", zap.Int("count", swept))
	}
	return nil
}

func (s *Service) tracked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Stop prevents further jobs from starting, then cancels and joins every
// tracked job.
func (s *Service) Stop(ctx context.Context) error {
	s.addCancelMu.Lock()
	s.mu.Lock()
	s.stopped = true
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	s.addCancelMu.Unlock()

	if len(ids) > 0 {
		s.logger.Info("Stopping jobs", zap.Int("count", len(ids)))
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.CancelJob(ctx, id, "", true)
			return err
		})
	}
	return g.Wait()
}

// Activate resolves the instance provider every job body waits on.
func (s *Service) Activate(provider InstanceProvider) error {
	if provider == nil {
		return fmt.Errorf("%w: provider is nil", ErrInvalidRegistration)
	}
	if !s.activation.resolve(provider) {
		return ErrAlreadyActivated
	}
	s.logger.Debug("Job service activated")
	return nil
}

// RegisterOperation persists job and runs entrypoint for it. Entrypoint
// failures become the job's terminal state; they are never returned here.
func (s *Service) RegisterOperation(ctx context.Context, job *jobregistry.Job, entrypoint Entrypoint) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidRegistration)
	}
	if entrypoint == nil {
		return fmt.Errorf("%w: entrypoint is nil", ErrInvalidRegistration)
	}
	if job.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidRegistration)
	}

	job.StartedAt = s.cfg.Now().UTC()
	job.StoppedAt = nil
	job.Cancelled = false
	job.CancelledBy = nil
	job.ErrorCode = nil
	job.ExceptionDetails = nil
	if job.StartedBy == "" {
		job.StartedBy = s.cfg.SystemUser
	}

	if err := s.store.Add(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	logger := s.logger.With(zap.String("job_id", job.ID))
	logger.Debug("Registering job", zap.String("description", job.Description))

	h := newHandler(func(ctx context.Context) bool {
		return s.runJob(ctx, job, entrypoint, logger)
	})

	s.addCancelMu.Lock()
	defer s.addCancelMu.Unlock()

	s.mu.Lock()
	s.jobs[job.ID] = h
	start := !s.suspended && !s.stopped
	s.mu.Unlock()

	if start {
		h.Start()
	} else {
		logger.Debug("Job registered while not accepting starts")
	}
	return nil
}

// CancelJob cancels a running job. It reports false when no job with id is
// being tracked. When blocking, it returns after the job body has unwound.
func (s *Service) CancelJob(ctx context.Context, id, requester string, blocking bool) (bool, error) {
	s.addCancelMu.Lock()
	s.mu.Lock()
	h, ok := s.jobs[id]
	stopped := s.stopped
	s.mu.Unlock()
	if !ok {
		s.addCancelMu.Unlock()
		return false, nil
	}

	h.Cancel()
	if stopped {
		// Unwind to a terminal record instead of idling forever.
		h.Start()
	}
	s.addCancelMu.Unlock()

	if requester == "" {
		requester = s.cfg.SystemUser
	}
	s.logger.Debug("Cancelling job", zap.String("job_id", id), zap.String("requester", requester))

	persistErr := s.store.SetCancelledBy(ctx, id, requester)
	if persistErr != nil {
		persistErr = fmt.Errorf("persist job canceller: %w", persistErr)
	}

	if blocking {
		if _, err := h.Wait(ctx); err != nil {
			return true, err
		}
	}
	return true, persistErr
}

// WaitForJobCompletion waits for a job to finish. A job registered but not
// yet started is waited on until it starts and finishes, or ctx ends.
func (s *Service) WaitForJobCompletion(ctx context.Context, id string, opts WaitOptions) (JobResult, error) {
	if ctx.Done() == nil {
		return JobResultFailed, ErrUncancellableContext
	}

	s.mu.Lock()
	h, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return JobResultNotFound, nil
	}

	if opts.CancelOn != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-opts.CancelOn:
				if _, err := s.CancelJob(context.Background(), id, opts.Canceller, false); err != nil {
					s.logger.Warn("Cancel on wait signal failed", zap.String("job_id", id), zap.Error(err))
				}
			case <-stop:
			}
		}()
	}

	success, err := h.Wait(ctx)
	if err != nil {
		return JobResultFailed, err
	}
	if success {
		return JobResultSucceeded, nil
	}
	return JobResultFailed, nil
}

// JobProgress returns the live progress mirror of a tracked job.
func (s *Service) JobProgress(id string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.jobs[id]
	if !ok {
		return Progress{}, false
	}
	return Progress{Progress: cloneInt(h.progress), Stage: cloneString(h.stage), Revision: h.revision}, true
}

// Decorate copies the live progress mirror into job when it is tracked.
func (s *Service) Decorate(job *jobregistry.Job) {
	if p, ok := s.JobProgress(job.ID); ok {
		job.Progress = p.Progress
		job.Stage = p.Stage
		job.Revision = p.Revision
	}
}

// ActiveJobs lists the ids of tracked jobs in lexical order.
func (s *Service) ActiveJobs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Service) runJob(ctx context.Context, job *jobregistry.Job, entrypoint Entrypoint, logger *zap.Logger) bool {
	chain := newUpdateChain(s.broadcaster, s.cfg.UpdatesPerSecond, logger)

	defer func() {
		s.mu.Lock()
		h := s.jobs[job.ID]
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		if h != nil {
			h.Close()
		}
	}()

	err := s.execute(ctx, job, entrypoint, chain, logger)

	term := jobregistry.Termination{StoppedAt: s.cfg.Now().UTC()}
	success := false
	switch jerr, isJobErr := jobregistry.AsJobError(err); {
	case err == nil:
		success = true
		logger.Debug("Job completed")
	case errors.Is(err, context.Canceled):
		term.Cancelled = true
		logger.Debug("Job cancelled")
	case isJobErr:
		code := jerr.Code
		details := jerr.Details()
		term.ErrorCode = &code
		term.ExceptionDetails = &details
		logger.Warn("Job failed", zap.Uint32("error_code", uint32(code)), zap.String("details", details))
	default:
		details := err.Error()
		term.ExceptionDetails = &details
		logger.Error("Job errored", zap.Error(err))
	}

	s.mu.Lock()
	if h := s.jobs[job.ID]; h != nil {
		h.finished = true
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	final := s.finish(snapshot, term, logger)
	chain.Close(final)
	return success
}

func (s *Service) execute(ctx context.Context, job *jobregistry.Job, entrypoint Entrypoint, chain *updateChain, logger *zap.Logger) (err error) {
	provider, err := s.activation.wait(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chain.Queue(*job)

	instance, err := provider.Instance(job.InstanceID)
	if err != nil {
		return fmt.Errorf("resolve instance %s: %w", job.InstanceID, err)
	}

	reporter := newProgressReporter(logger, func(stage *string, progress *float64) {
		s.updateProgress(job, chain, stage, progress)
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return entrypoint(ctx, instance, s.store, job, reporter)
}

func (s *Service) updateProgress(job *jobregistry.Job, chain *updateChain, stage *string, progress *float64) {
	var pct *int
	if progress != nil {
		v := int(math.Floor(*progress * 100))
		pct = &v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.jobs[job.ID]
	if !ok || h.finished {
		return
	}
	h.stage = cloneString(stage)
	h.progress = pct
	h.revision++

	snapshot := job.Clone()
	snapshot.Stage = cloneString(stage)
	snapshot.Progress = cloneInt(pct)
	snapshot.Revision = h.revision
	chain.Queue(snapshot)
}

// finish performs the terminal write and reloads the record. The returned
// snapshot falls back to job with term applied when the store fails. The
// registered job is never written here.
func (s *Service) finish(job jobregistry.Job, term jobregistry.Termination, logger *zap.Logger) *jobregistry.Job {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := term.StoppedAt
	job.StoppedAt = &stopped
	job.Cancelled = term.Cancelled
	job.ErrorCode = term.ErrorCode
	job.ExceptionDetails = term.ExceptionDetails
	job.Progress = nil
	job.Stage = nil

	if err := s.store.Finish(ctx, job.ID, term); err != nil {
		logger.Error("Failed to persist job completion", zap.Error(err))
		return &job
	}

	final, err := s.store.Get(ctx, job.ID)
	if err != nil {
		logger.Error("Failed to reload completed job", zap.Error(err))
		return &job
	}
	return final
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
