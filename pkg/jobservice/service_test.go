package jobservice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

func TestRegisterOperation_ThrottledBroadcastScenario(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b := &recordingBroadcaster{}
	svc := newStartedService(t, store, b)

	job := &jobregistry.Job{Description: "deploy", InstanceID: "inst-1"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(ctx context.Context, _ Instance, _ jobregistry.Store, _ *jobregistry.Job, p *ProgressReporter) error {
		p.Progress(0.0)
		p.Progress(0.5)
		time.Sleep(50 * time.Millisecond)
		return nil
	}))

	assert.Equal(t, JobResultSucceeded, waitResult(t, svc, job.ID))

	snaps := b.snapshots()
	require.Len(t, snaps, 2)
	assert.Nil(t, snaps[0].StoppedAt)
	require.NotNil(t, snaps[1].StoppedAt)
	assert.False(t, snaps[1].Cancelled)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StoppedAt)
	assert.False(t, got.Cancelled)
	assert.Nil(t, got.ErrorCode)
	assert.EqualValues(t, 1, store.finishes.Load())
	assert.Empty(t, svc.ActiveJobs())
}

func TestRegisterOperation_ProgressAfterBodyReturns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b := &recordingBroadcaster{}
	svc := newStartedService(t, store, b)

	stop := make(chan struct{})
	var reporters sync.WaitGroup
	job := &jobregistry.Job{Description: "background reporter", InstanceID: "inst-1"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(_ context.Context, _ Instance, _ jobregistry.Store, _ *jobregistry.Job, p *ProgressReporter) error {
		reporters.Add(1)
		go func() {
			defer reporters.Done()
			for {
				select {
				case <-stop:
					return
				default:
					p.Progress(0.3)
				}
			}
		}()
		return nil
	}))

	assert.Equal(t, JobResultSucceeded, waitResult(t, svc, job.ID))
	time.Sleep(20 * time.Millisecond)
	close(stop)
	reporters.Wait()

	assert.Nil(t, job.StoppedAt, "the registered job is not written by the service")
	_, tracked := svc.JobProgress(job.ID)
	assert.False(t, tracked)

	snaps := b.snapshots()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	require.NotNil(t, last.StoppedAt)
	assert.Nil(t, last.Progress)
}

func TestStop_CancelsAndJoinsRunningJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := New(DefaultConfig(), store, nil, nil)
	require.NoError(t, svc.Activate(testProvider{}))
	require.NoError(t, svc.Start(ctx))

	running := make(chan struct{})
	var unwound atomic.Bool
	job := &jobregistry.Job{Description: "watchdog", InstanceID: "inst-2"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(ctx context.Context, _ Instance, _ jobregistry.Store, _ *jobregistry.Job, _ *ProgressReporter) error {
		close(running)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		unwound.Store(true)
		return ctx.Err()
	}))

	<-running
	require.NoError(t, svc.Stop(ctx))
	assert.True(t, unwound.Load(), "Stop returned before the job unwound")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	require.NotNil(t, got.StoppedAt)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, jobregistry.SystemUser, *got.CancelledBy)
	assert.EqualValues(t, 1, store.finishes.Load())
}

func TestCancelJob_UnknownJob(t *testing.T) {
	svc := newStartedService(t, newTestStore(t), nil)

	found, err := svc.CancelJob(context.Background(), "does-not-exist", "alice", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCancelJob_BeforeStartEndsCancelled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := New(DefaultConfig(), store, nil, nil)
	require.NoError(t, svc.Activate(testProvider{}))

	var called atomic.Bool
	job := &jobregistry.Job{Description: "repo sync", InstanceID: "inst-3"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
		called.Store(true)
		return nil
	}))

	found, err := svc.CancelJob(ctx, job.ID, "alice", false)
	require.NoError(t, err)
	require.True(t, found)

	resultCh := make(chan JobResult, 1)
	go func() { resultCh <- waitResultOrDone(t, svc, job.ID) }()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, JobResultFailed, <-resultCh)
	assert.False(t, called.Load(), "entrypoint must not run for a job cancelled before start")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, "alice", *got.CancelledBy)
	require.NoError(t, svc.Stop(ctx))
}

func TestStop_WithoutStartReachesTerminalState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := New(DefaultConfig(), store, nil, nil)

	job := &jobregistry.Job{Description: "never started", InstanceID: "inst-4"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
		return nil
	}))

	require.NoError(t, svc.Stop(ctx))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.NotNil(t, got.StoppedAt)
	assert.Empty(t, svc.ActiveJobs())
}

func TestRegisterOperation_AfterStopStaysUnstarted(t *testing.T) {
	ctx := context.Background()
	svc := New(DefaultConfig(), newTestStore(t), nil, nil)
	require.NoError(t, svc.Activate(testProvider{}))
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Stop(ctx))

	job := &jobregistry.Job{InstanceID: "inst-5"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
		return nil
	}))
	assert.Equal(t, []string{job.ID}, svc.ActiveJobs())

	// Cancelling once stopped lets the handler unwind.
	found, err := svc.CancelJob(ctx, job.ID, "", true)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, svc.ActiveJobs())
}

func TestWaitForJobCompletion_BlocksUntilActivated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := New(DefaultConfig(), store, nil, nil)
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	job := &jobregistry.Job{InstanceID: "inst-6"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(_ context.Context, inst Instance, _ jobregistry.Store, _ *jobregistry.Job, _ *ProgressReporter) error {
		if inst.ID() != "inst-6" {
			return errors.New("wrong instance")
		}
		return nil
	}))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := svc.WaitForJobCompletion(short, job.ID, WaitOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	resultCh := make(chan JobResult, 1)
	go func() { resultCh <- waitResultOrDone(t, svc, job.ID) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Activate(testProvider{}))
	assert.Equal(t, JobResultSucceeded, <-resultCh)
}

func TestWaitForJobCompletion_CancelSignal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newStartedService(t, store, nil)

	job := &jobregistry.Job{InstanceID: "inst-7"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(ctx context.Context, _ Instance, _ jobregistry.Store, _ *jobregistry.Job, _ *ProgressReporter) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	cancelOn := make(chan struct{})
	close(cancelOn)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := svc.WaitForJobCompletion(waitCtx, job.ID, WaitOptions{CancelOn: cancelOn, Canceller: "carol"})
	require.NoError(t, err)
	assert.Equal(t, JobResultFailed, res)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, job.ID)
		return err == nil && got.CancelledBy != nil && *got.CancelledBy == "carol"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForJobCompletion_Validation(t *testing.T) {
	svc := newStartedService(t, newTestStore(t), nil)

	_, err := svc.WaitForJobCompletion(context.Background(), "x", WaitOptions{})
	require.ErrorIs(t, err, ErrUncancellableContext)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := svc.WaitForJobCompletion(ctx, "missing", WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobResultNotFound, res)
}

func TestActivate_Twice(t *testing.T) {
	svc := New(DefaultConfig(), newTestStore(t), nil, nil)
	require.NoError(t, svc.Activate(testProvider{}))
	require.ErrorIs(t, svc.Activate(testProvider{}), ErrAlreadyActivated)
}

func TestRegisterOperation_Validation(t *testing.T) {
	ctx := context.Background()
	svc := New(DefaultConfig(), newTestStore(t), nil, nil)
	noop := func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error { return nil }

	require.ErrorIs(t, svc.RegisterOperation(ctx, nil, noop), ErrInvalidRegistration)
	require.ErrorIs(t, svc.RegisterOperation(ctx, &jobregistry.Job{InstanceID: "a"}, nil), ErrInvalidRegistration)
	require.ErrorIs(t, svc.RegisterOperation(ctx, &jobregistry.Job{}, noop), ErrInvalidRegistration)
	assert.Empty(t, svc.ActiveJobs())
}

func TestProgress_OutOfRangeRejected(t *testing.T) {
	ctx := context.Background()
	svc := newStartedService(t, newTestStore(t), nil)

	reported := make(chan struct{})
	release := make(chan struct{})
	job := &jobregistry.Job{InstanceID: "inst-8"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(_ context.Context, _ Instance, _ jobregistry.Store, _ *jobregistry.Job, p *ProgressReporter) error {
		p.Report("extracting", 0.305)
		p.Progress(1.5)
		p.Progress(-0.1)
		close(reported)
		<-release
		return nil
	}))

	<-reported
	progress, ok := svc.JobProgress(job.ID)
	require.True(t, ok)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, 30, *progress.Progress)
	require.NotNil(t, progress.Stage)
	assert.Equal(t, "extracting", *progress.Stage)
	assert.Equal(t, uint64(1), progress.Revision, "rejected updates do not advance the revision")

	decorated := jobregistry.Job{ID: job.ID}
	svc.Decorate(&decorated)
	assert.Equal(t, 30, *decorated.Progress)
	assert.Equal(t, uint64(1), decorated.Revision)

	close(release)
	assert.Equal(t, JobResultSucceeded, waitResultOrDone(t, svc, job.ID))
}

func TestRunJob_FailureClassification(t *testing.T) {
	tests := []struct {
		name        string
		body        func() error
		wantCode    *jobregistry.ErrorCode
		wantDetails string
	}{
		{
			name: "recognized job error",
			body: func() error {
				return jobregistry.NewJobError(jobregistry.ErrorCodeDaemonPortInUse, errors.New("port 1337"))
			},
			wantCode:    ptr(jobregistry.ErrorCodeDaemonPortInUse),
			wantDetails: "the daemon port is already in use (inner: port 1337)",
		},
		{
			name:        "unrecognized error",
			body:        func() error { return errors.New("disk on fire") },
			wantDetails: "disk on fire",
		},
		{
			name:        "panic",
			body:        func() error { panic("boom") },
			wantDetails: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			svc := newStartedService(t, store, nil)

			gate := make(chan struct{})
			job := &jobregistry.Job{InstanceID: "inst-9"}
			require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
				<-gate
				return tt.body()
			}))

			resultCh := make(chan JobResult, 1)
			go func() { resultCh <- waitResultOrDone(t, svc, job.ID) }()
			time.Sleep(10 * time.Millisecond)
			close(gate)
			assert.Equal(t, JobResultFailed, <-resultCh)

			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.False(t, got.Cancelled)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
			require.NotNil(t, got.ExceptionDetails)
			assert.Equal(t, tt.wantDetails, *got.ExceptionDetails)
		})
	}
}

func TestRunJob_PersistenceFailureStillCleansUp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.failFinish = errors.New("database is locked")
	b := &recordingBroadcaster{fail: errors.New("hub offline")}
	svc := newStartedService(t, store, b)

	gate := make(chan struct{})
	job := &jobregistry.Job{InstanceID: "inst-10"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
		<-gate
		return nil
	}))

	resultCh := make(chan JobResult, 1)
	go func() { resultCh <- waitResultOrDone(t, svc, job.ID) }()
	time.Sleep(10 * time.Millisecond)
	close(gate)

	assert.Equal(t, JobResultSucceeded, <-resultCh)
	assert.Empty(t, svc.ActiveJobs())

	snaps := b.snapshots()
	require.NotEmpty(t, snaps)
	assert.NotNil(t, snaps[len(snaps)-1].StoppedAt, "final snapshot falls back to the in-memory record")
}

func TestStart_SweepsUnfinishedJobsFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale := &jobregistry.Job{ID: "stale", InstanceID: "inst-1", StartedBy: "system", StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Add(ctx, stale))

	svc := New(DefaultConfig(), store, nil, nil)
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Stop(ctx) }()

	got, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.NotNil(t, got.StoppedAt)
}

func TestStart_KeepsJobsRegisteredWhileSuspended(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := New(DefaultConfig(), store, nil, nil)
	require.NoError(t, svc.Activate(testProvider{}))

	gate := make(chan struct{})
	job := &jobregistry.Job{InstanceID: "inst-11"}
	require.NoError(t, svc.RegisterOperation(ctx, job, func(context.Context, Instance, jobregistry.Store, *jobregistry.Job, *ProgressReporter) error {
		<-gate
		return nil
	}))

	require.NoError(t, svc.Start(ctx))
	resultCh := make(chan JobResult, 1)
	go func() { resultCh <- waitResultOrDone(t, svc, job.ID) }()
	close(gate)
	assert.Equal(t, JobResultSucceeded, <-resultCh)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Cancelled)
	require.NoError(t, svc.Stop(ctx))
}

// waitResultOrDone tolerates a job that already finished and left the registry.
func waitResultOrDone(t *testing.T, svc *Service, id string) JobResult {
	res := waitResult(t, svc, id)
	if res != JobResultNotFound {
		return res
	}
	job, err := svc.store.Get(context.Background(), id)
	if err != nil || job.StoppedAt == nil {
		return JobResultNotFound
	}
	if job.Cancelled || job.ErrorCode != nil || job.ExceptionDetails != nil {
		return JobResultFailed
	}
	return JobResultSucceeded
}

func ptr[T any](v T) *T { return &v }
