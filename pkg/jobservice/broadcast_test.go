package jobservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

func TestUpdateChain_CoalescesToLatest(t *testing.T) {
	b := &recordingBroadcaster{}
	chain := newUpdateChain(b, 1, zap.NewNop())

	chain.Queue(jobregistry.Job{ID: "a"})
	require.Eventually(t, func() bool { return len(b.snapshots()) == 1 }, time.Second, 5*time.Millisecond)

	// The limiter holds the next send for a second; these collapse into the latest.
	chain.Queue(jobregistry.Job{ID: "b"})
	chain.Queue(jobregistry.Job{ID: "c"})
	require.Eventually(t, func() bool { return len(b.snapshots()) == 2 }, 3*time.Second, 10*time.Millisecond)

	chain.Close(nil)

	snaps := b.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, "c", snaps[1].ID)
}

func TestUpdateChain_FinalBypassesLimiter(t *testing.T) {
	b := &recordingBroadcaster{}
	chain := newUpdateChain(b, 0.1, zap.NewNop())

	chain.Queue(jobregistry.Job{ID: "first"})
	require.Eventually(t, func() bool { return len(b.snapshots()) == 1 }, time.Second, 5*time.Millisecond)
	chain.Queue(jobregistry.Job{ID: "superseded"})

	start := time.Now()
	chain.Close(&jobregistry.Job{ID: "final"})
	assert.Less(t, time.Since(start), time.Second)

	snaps := b.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "first", snaps[0].ID)
	assert.Equal(t, "final", snaps[1].ID)

	// Closed chains ignore late updates.
	chain.Queue(jobregistry.Job{ID: "late"})
	chain.Close(nil)
	assert.Len(t, b.snapshots(), 2)
}

func TestUpdateChain_PreservesOrderWithSlowSink(t *testing.T) {
	b := &recordingBroadcaster{delay: 30 * time.Millisecond}
	chain := newUpdateChain(b, 100, zap.NewNop())

	chain.Queue(jobregistry.Job{ID: "1"})
	time.Sleep(5 * time.Millisecond)
	chain.Close(&jobregistry.Job{ID: "final"})

	snaps := b.snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "1", snaps[0].ID)
	assert.Equal(t, "final", snaps[1].ID)
}

func TestProgressReporter_Sections(t *testing.T) {
	var got []float64
	var stages []string
	r := newProgressReporter(zap.NewNop(), func(stage *string, progress *float64) {
		if progress != nil {
			got = append(got, *progress)
		}
		if stage != nil {
			stages = append(stages, *stage)
		}
	})

	download := r.Section("download", 0.5)
	install := r.Section("install", 0.5)

	download.Progress(0.5)
	install.Progress(0)
	install.Progress(1)
	install.Progress(2) // rejected

	require.Len(t, got, 3)
	assert.InDelta(t, 0.25, got[0], 1e-9)
	assert.InDelta(t, 0.5, got[1], 1e-9)
	assert.InDelta(t, 1.0, got[2], 1e-9)
	assert.Equal(t, []string{"download", "install", "install"}, stages)
}
