//go:build unix

package cmd

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/sessiond/internal/config"
	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/jobservice"
	"github.com/3leaps/sessiond/pkg/process"
	"github.com/3leaps/sessiond/pkg/session"
)

const testEngine = "515.1640"

func TestLaunchFlagsRequest(t *testing.T) {
	var f launchFlags
	req, err := f.request(testEngine)
	require.NoError(t, err)
	assert.Nil(t, req, "no deployment means reattach only")

	dir := t.TempDir()
	f = launchFlags{
		dmb:             filepath.Join(dir, "game.dmb"),
		minimumSecurity: "safe",
		security:        "trusted",
		visibility:      "private",
		port:            4000,
		mapThreads:      2,
	}
	req, err = f.request(testEngine)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, dir, req.artifact.Directory)
	assert.Equal(t, "game.dmb", req.artifact.DmbName)
	assert.Equal(t, session.SecuritySafe, req.artifact.MinimumSecurity)
	assert.Equal(t, session.SecurityTrusted, req.params.SecurityLevel)
	assert.Equal(t, session.VisibilityPrivate, req.params.Visibility)
	assert.Equal(t, uint16(4000), req.params.Port)
	assert.Equal(t, uint(2), req.params.MapThreads)

	f.security = "paranoid"
	_, err = f.request(testEngine)
	assert.Error(t, err)

	f.security = "safe"
	_, err = f.request("latest")
	assert.Error(t, err)
}

type supervisorHarness struct {
	cfg     *config.Config
	records *session.RecordStore
	store   *jobregistry.FileStore
	svc     *jobservice.Service
}

func newSupervisorHarness(t *testing.T) *supervisorHarness {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Session.InstanceName = "default"
	cfg.Session.DaemonPath = sh
	cfg.Session.EngineVersion = testEngine
	cfg.Session.APIPort = 8080
	cfg.Session.DiagnosticsDir = filepath.Join(dir, "diagnostics")
	cfg.Session.PagerProcessName = "byond"

	store := jobregistry.NewFileStore(filepath.Join(dir, "jobs"))
	svc := jobservice.New(jobservice.DefaultConfig(), store, nil, zaptest.NewLogger(t))
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Activate(hostInstances{instance: hostInstance{name: "default"}}))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return &supervisorHarness{
		cfg:     cfg,
		records: session.NewRecordStore(filepath.Join(dir, "reattach", "default.json")),
		store:   store,
		svc:     svc,
	}
}

func (h *supervisorHarness) start(t *testing.T, launch *launchRequest) *jobregistry.Job {
	t.Helper()
	logger := zaptest.NewLogger(t)
	factory, err := newSessionFactory(h.cfg, process.NewExecutor(nil, logger), logger)
	require.NoError(t, err)

	sup := &supervisor{factory: factory, records: h.records, launch: launch, logger: logger}
	job := &jobregistry.Job{Description: "Supervise daemon", InstanceID: "default"}
	require.NoError(t, h.svc.RegisterOperation(context.Background(), job, sup.run))
	return job
}

func (h *supervisorHarness) wait(t *testing.T, id string) (jobservice.JobResult, *jobregistry.Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := h.svc.WaitForJobCompletion(ctx, id, jobservice.WaitOptions{})
	require.NoError(t, err)
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return res, job
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func testRecord(pid int) *session.ReattachRecord {
	version, _ := session.ParseEngineVersion(testEngine)
	return &session.ReattachRecord{
		AccessIdentifier:    "key",
		ProcessID:           pid,
		Port:                4000,
		LaunchSecurityLevel: session.SecuritySafe,
		LaunchVisibility:    session.VisibilityPublic,
		Dmb: session.Artifact{
			Directory:     "/srv/game",
			DmbName:       "game.dmb",
			EngineVersion: version,
		},
	}
}

func TestSupervisorIdleWithoutRecordOrDeployment(t *testing.T) {
	h := newSupervisorHarness(t)
	job := h.start(t, nil)

	res, rec := h.wait(t, job.ID)
	assert.Equal(t, jobservice.JobResultSucceeded, res)
	assert.False(t, rec.Cancelled)
}

func TestSupervisorClearsRecordOfGoneDaemon(t *testing.T) {
	h := newSupervisorHarness(t)

	gone := exec.Command("true")
	require.NoError(t, gone.Run())
	require.NoError(t, h.records.Save(context.Background(), testRecord(gone.Process.Pid)))

	job := h.start(t, nil)
	res, _ := h.wait(t, job.ID)
	assert.Equal(t, jobservice.JobResultSucceeded, res)

	_, err := h.records.Load(context.Background())
	assert.ErrorIs(t, err, session.ErrNoRecord)
}

func TestSupervisorDiscardsInvalidRecord(t *testing.T) {
	h := newSupervisorHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.records.Path()), 0o755))
	require.NoError(t, os.WriteFile(h.records.Path(), []byte(`{"process_id":"twelve"}`), 0o644))

	job := h.start(t, nil)
	res, _ := h.wait(t, job.ID)
	assert.Equal(t, jobservice.JobResultSucceeded, res)

	_, err := os.Stat(h.records.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorDetachesOnCancelAndKeepsDaemon(t *testing.T) {
	h := newSupervisorHarness(t)

	daemon := exec.Command("sleep", "30")
	require.NoError(t, daemon.Start())
	t.Cleanup(func() {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
	})
	require.NoError(t, h.records.Save(context.Background(), testRecord(daemon.Process.Pid)))

	job := h.start(t, nil)
	require.Eventually(t, func() bool {
		p, ok := h.svc.JobProgress(job.ID)
		return ok && p.Stage != nil && *p.Stage == "running"
	}, 10*time.Second, 20*time.Millisecond)

	found, err := h.svc.CancelJob(context.Background(), job.ID, "operator", true)
	require.True(t, found)
	require.NoError(t, err)

	_, rec := h.wait(t, job.ID)
	assert.True(t, rec.Cancelled)

	kept, err := h.records.Load(context.Background())
	require.NoError(t, err, "record stays for the next host")
	assert.Equal(t, daemon.Process.Pid, kept.ProcessID)
	assert.NoError(t, daemon.Process.Signal(syscall.Signal(0)), "daemon keeps running")
}

func TestSupervisorLaunchesAndClearsRecordOnCleanExit(t *testing.T) {
	h := newSupervisorHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game.dmb"), []byte("echo started\nexit 0\n"), 0o644))

	version, err := session.ParseEngineVersion(testEngine)
	require.NoError(t, err)
	launch := &launchRequest{
		artifact: session.Artifact{Directory: dir, DmbName: "game.dmb", EngineVersion: version},
		params: session.LaunchParameters{
			Port:          freeTCPPort(t),
			SecurityLevel: session.SecuritySafe,
			Visibility:    session.VisibilityPublic,
		},
	}

	job := h.start(t, launch)
	res, rec := h.wait(t, job.ID)
	assert.Equal(t, jobservice.JobResultSucceeded, res, "details: %v", rec.ExceptionDetails)

	_, err = h.records.Load(context.Background())
	assert.ErrorIs(t, err, session.ErrNoRecord)
}
