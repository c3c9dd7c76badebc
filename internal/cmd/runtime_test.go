//go:build unix

package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/process"
	"github.com/3leaps/sessiond/pkg/session"
)

func newTestEngines(t *testing.T, trustScript string) (localEngines, session.EngineVersion) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	version, err := session.ParseEngineVersion(testEngine)
	require.NoError(t, err)

	e := localEngines{
		daemonPath: sh,
		version:    version,
		lock:       process.NewLaunchLock(),
		logger:     zaptest.NewLogger(t),
	}
	if trustScript != "" {
		e.trustCommand = []string{sh, "-c", trustScript}
	}
	return e, version
}

func TestLocalEnginesAddsTrustException(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "trusted")
	e, version := newTestEngines(t, `printf %s "$0" > '`+marker+`'`)

	lock, err := e.UseExecutables(context.Background(), version, "/srv/game/game.dmb")
	require.NoError(t, err)
	defer func() { _ = lock.Close() }()
	assert.Equal(t, e.daemonPath, lock.DaemonPath())

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "/srv/game/game.dmb", string(got))
}

func TestLocalEnginesSkipsTrustWithoutDmb(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "trusted")
	e, version := newTestEngines(t, `touch '`+marker+`'`)

	lock, err := e.UseExecutables(context.Background(), version, "")
	require.NoError(t, err)
	_ = lock.Close()

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "reattach needs no trust exception")
}

func TestLocalEnginesTrustFailureIsFirewallError(t *testing.T) {
	e, version := newTestEngines(t, "echo denied >&2; exit 3")

	_, err := e.UseExecutables(context.Background(), version, "/srv/game/game.dmb")
	require.Error(t, err)
	jobErr, ok := jobregistry.AsJobError(err)
	require.True(t, ok)
	assert.Equal(t, jobregistry.ErrorCodeEngineFirewallFail, jobErr.Code)
	assert.Contains(t, jobErr.Details(), "invalid exit code 3")
	assert.Contains(t, jobErr.Details(), "denied")
}

func TestLocalEnginesTrustHonorsCancellation(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "trusted")
	e, version := newTestEngines(t, `touch '`+marker+`'`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.UseExecutables(ctx, version, "/srv/game/game.dmb")
	jobErr, ok := jobregistry.AsJobError(err)
	require.True(t, ok)
	assert.Equal(t, jobregistry.ErrorCodeEngineFirewallFail, jobErr.Code)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}
