package jobservice

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

type testInstance string

func (i testInstance) ID() string { return string(i) }

type testProvider struct{}

func (testProvider) Instance(id string) (Instance, error) { return testInstance(id), nil }

type recordingBroadcaster struct {
	mu    sync.Mutex
	jobs  []jobregistry.Job
	fail  error
	delay time.Duration
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, job jobregistry.Job) error {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
	return b.fail
}

func (b *recordingBroadcaster) snapshots() []jobregistry.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]jobregistry.Job, len(b.jobs))
	copy(out, b.jobs)
	return out
}

// countingStore counts terminal writes and can fail them on demand.
type countingStore struct {
	jobregistry.Store
	finishes   atomic.Int32
	failFinish error
}

func (s *countingStore) Finish(ctx context.Context, id string, t jobregistry.Termination) error {
	s.finishes.Add(1)
	if s.failFinish != nil {
		return s.failFinish
	}
	return s.Store.Finish(ctx, id, t)
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()
	return &countingStore{Store: jobregistry.NewFileStore(t.TempDir())}
}

func newStartedService(t *testing.T, store jobregistry.Store, b Broadcaster) *Service {
	t.Helper()
	svc := New(DefaultConfig(), store, b, nil)
	require.NoError(t, svc.Activate(testProvider{}))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return svc
}

func waitResult(t *testing.T, svc *Service, id string) JobResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := svc.WaitForJobCompletion(ctx, id, WaitOptions{})
	assert.NoError(t, err)
	return res
}
