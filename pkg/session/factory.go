// Package session launches game daemons and reattaches to them after a host
// restart.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/process"
)

const (
	// DaemonLogsDir is the diagnostics subdirectory for daemon output logs.
	DaemonLogsDir = "daemon-logs"

	DefaultPagerProcessName = "byond"

	abortWait = 10 * time.Second
)

// Config is the host side configuration of a Factory.
type Config struct {
	InstanceName  string
	ServerVersion string
	// HTTPAPIPort is the host API port daemons call back on.
	HTTPAPIPort uint16

	// DiagnosticsDir receives DaemonLogsDir when output logging is on.
	DiagnosticsDir string

	HighPriorityLive       bool
	LowPriorityDeployments bool

	// CheckPager refuses launches while the engine pager runs as our user.
	CheckPager       bool
	PagerProcessName string

	// GOOS overrides runtime.GOOS for capability checks.
	GOOS string
	Now  func() time.Time
}

// LaunchParameters are the per-launch daemon settings.
type LaunchParameters struct {
	Port                 uint16
	SecurityLevel        SecurityLevel
	Visibility           Visibility
	AllowWebClient       bool
	LogOutput            bool
	StartProfiler        bool
	MapThreads           uint
	AdditionalParameters string
	TopicRequestTimeout  time.Duration
}

// Dependencies are the collaborators a Factory drives. Executor and Engines
// are required.
type Dependencies struct {
	Executor *process.Executor
	Engines  EngineManager
	Chat     ChatManager
	Events   EventConsumer
	Reaper   NetworkPromptReaper
	Logger   *zap.Logger
}

// Factory creates Sessions.
type Factory struct {
	cfg      Config
	executor *process.Executor
	engines  EngineManager
	chat     ChatManager
	events   EventConsumer
	reaper   NetworkPromptReaper
	logger   *zap.Logger
}

func NewFactory(cfg Config, deps Dependencies) (*Factory, error) {
	if deps.Executor == nil {
		return nil, errors.New("session factory: executor is required")
	}
	if deps.Engines == nil {
		return nil, errors.New("session factory: engine manager is required")
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if strings.TrimSpace(cfg.PagerProcessName) == "" {
		cfg.PagerProcessName = DefaultPagerProcessName
	}
	f := &Factory{
		cfg:      cfg,
		executor: deps.Executor,
		engines:  deps.Engines,
		chat:     deps.Chat,
		events:   deps.Events,
		reaper:   deps.Reaper,
		logger:   deps.Logger,
	}
	if f.chat == nil {
		f.chat = nopChat{}
	}
	if f.events == nil {
		f.events = nopEvents{}
	}
	if f.reaper == nil {
		f.reaper = nopReaper{}
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	return f, nil
}

// LaunchNew starts a daemon for artifact. When lock is nil the factory
// acquires and owns one. The returned Session owns every resource the launch
// acquired; on error nothing is left behind and a spawned daemon has exited.
func (f *Factory) LaunchNew(ctx context.Context, artifact Artifact, lock EngineLock, params LaunchParameters, apiValidate bool) (_ *Session, err error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	if params.Port == 0 {
		return nil, errors.New("launch parameters: port is required")
	}
	if !params.SecurityLevel.Valid() || !params.Visibility.Valid() {
		return nil, fmt.Errorf("launch parameters: invalid security %d or visibility %d", params.SecurityLevel, params.Visibility)
	}

	f.logger.Debug("Begin session launch", zap.String("compile_job", artifact.CompileJobID))

	if floor := EnforceSecurityFloor(params.SecurityLevel, artifact.MinimumSecurity); floor != params.SecurityLevel {
		f.logger.Debug("Raising security level to artifact minimum",
			zap.Stringer("requested", params.SecurityLevel),
			zap.Stringer("minimum", floor))
		params.SecurityLevel = floor
	}

	ownsLock := lock == nil
	if ownsLock {
		lock, err = f.engines.UseExecutables(ctx, artifact.EngineVersion, filepath.Join(artifact.Directory, artifact.DmbName))
		if err != nil {
			return nil, asEngineLockFailure(err)
		}
		owned := lock
		defer func() {
			if err != nil {
				_ = owned.Close()
			}
		}()
	}
	caps := CapabilitiesFor(lock.Version(), f.cfg.GOOS)

	if err := portBindTest(ctx, params.Port); err != nil {
		return nil, err
	}
	if err := f.checkPagerNotRunning(ctx); err != nil {
		return nil, err
	}

	outputPath, preserveLog, err := f.outputPath(params.LogOutput, caps.SupportsCLI, artifact, apiValidate)
	if err != nil {
		return nil, err
	}

	accessIdentifier, err := newAccessIdentifier()
	if err != nil {
		return nil, err
	}

	if !apiValidate && artifact.DMAPIVersion == "" {
		f.logger.Debug("Session will have no host API support")
	}

	args := Arguments{
		DmbName:        artifact.DmbName,
		Port:           params.Port,
		AllowWebClient: params.AllowWebClient,
		Security:       params.SecurityLevel,
		Visibility:     params.Visibility,
		Profile:        params.StartProfiler,
		Params:         EncodeParams(accessIdentifier, f.cfg.HTTPAPIPort, params.AdditionalParameters),
	}
	if !caps.SupportsCLI {
		args.LogSelfPath = outputPath
	}
	if caps.SupportsMapThreads {
		args.MapThreads = params.MapThreads
	}

	opts := process.LaunchOptions{
		Path:          lock.DaemonPath(),
		Dir:           artifact.Directory,
		Args:          BuildArguments(args),
		CaptureOutput: caps.SupportsCLI,
		Detached:      true,
	}
	if caps.SupportsCLI {
		opts.OutputPath = outputPath
	}
	proc, err := f.executor.Launch(ctx, opts)
	if err != nil {
		return nil, jobregistry.NewJobError(jobregistry.ErrorCodeDaemonLaunchFailure, err)
	}
	defer func() {
		if err != nil {
			f.abort(ctx, proc)
		}
	}()

	if !apiValidate {
		if f.cfg.HighPriorityLive {
			_ = proc.AdjustPriority(true)
		}
	} else if f.cfg.LowPriorityDeployments {
		_ = proc.AdjustPriority(false)
	}

	if !caps.SupportsCLI {
		f.reaper.RegisterProcess(proc)
	}

	if !apiValidate {
		if err := f.events.HandleEvent(ctx, EventDaemonLaunch, []string{strconv.Itoa(proc.ID())}); err != nil {
			return nil, fmt.Errorf("daemon launch event: %w", err)
		}
	}

	tracking := f.chat.CreateTrackingContext()
	defer func() {
		if err != nil {
			_ = tracking.Close()
		}
	}()

	record := &ReattachRecord{
		AccessIdentifier:    accessIdentifier,
		ProcessID:           proc.ID(),
		Port:                params.Port,
		LaunchSecurityLevel: params.SecurityLevel,
		LaunchVisibility:    params.Visibility,
		TopicRequestTimeout: params.TopicRequestTimeout,
		Dmb:                 artifact,
	}
	if err := record.SetRuntimeInformation(f.runtimeInformation(artifact, tracking, params.SecurityLevel, params.Visibility, apiValidate)); err != nil {
		return nil, err
	}

	f.logger.Info("Launched daemon",
		zap.Int("pid", proc.ID()),
		zap.Uint16("port", params.Port),
		zap.Stringer("security", params.SecurityLevel),
		zap.Bool("api_validate", apiValidate))

	var sessionLock EngineLock
	if ownsLock {
		sessionLock = lock
	}
	s := newSession(record, proc, sessionLock, tracking, caps, false, f.logger)
	s.postLifetime = f.outputLogger(proc, outputPath, caps.SupportsCLI, preserveLog)
	return s, nil
}

// Reattach adopts the daemon described by rec. It returns (nil, false, nil)
// when that process no longer exists. On success the record's runtime
// information is set.
func (f *Factory) Reattach(ctx context.Context, rec *ReattachRecord) (_ *Session, _ bool, err error) {
	if rec == nil {
		return nil, false, errors.New("reattach record is nil")
	}

	f.logger.Debug("Begin session reattach")

	// Trust exceptions were already granted at launch.
	lock, err := f.engines.UseExecutables(ctx, rec.Dmb.EngineVersion, "")
	if err != nil {
		return nil, false, asEngineLockFailure(err)
	}
	defer func() {
		if err != nil {
			_ = lock.Close()
		}
	}()

	f.logger.Debug("Attaching to daemon",
		zap.Int("pid", rec.ProcessID),
		zap.String("compile_job", rec.Dmb.CompileJobID))

	proc, err := f.executor.Attach(ctx, rec.ProcessID)
	if err != nil {
		if process.IsNotFound(err) {
			f.logger.Info("Daemon from reattach record is gone", zap.Int("pid", rec.ProcessID))
			_ = lock.Close()
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = proc.Close()
		}
	}()

	caps := CapabilitiesFor(lock.Version(), f.cfg.GOOS)
	if !caps.SupportsCLI {
		f.reaper.RegisterProcess(proc)
	}

	tracking := f.chat.CreateTrackingContext()
	defer func() {
		if err != nil {
			_ = tracking.Close()
		}
	}()

	info := f.runtimeInformation(rec.Dmb, tracking, rec.LaunchSecurityLevel, rec.LaunchVisibility, false)
	if err := rec.SetRuntimeInformation(info); err != nil {
		return nil, false, err
	}

	return newSession(rec, proc, lock, tracking, caps, true, f.logger), true, nil
}

func (f *Factory) runtimeInformation(artifact Artifact, tracking ChatTrackingContext, sec SecurityLevel, vis Visibility, apiValidate bool) RuntimeInformation {
	return RuntimeInformation{
		InstanceName:    f.cfg.InstanceName,
		ServerVersion:   f.cfg.ServerVersion,
		ServerPort:      f.cfg.HTTPAPIPort,
		SecurityLevel:   sec,
		Visibility:      vis,
		APIValidateOnly: apiValidate,
		Artifact:        artifact,
		ChatTrackingID:  tracking.ID(),
	}
}

// outputPath picks where daemon output goes. preserve is false for scratch
// files that are deleted once logged.
func (f *Factory) outputPath(logOutput, cli bool, artifact Artifact, apiValidate bool) (path string, preserve bool, err error) {
	switch {
	case logOutput:
		now := f.cfg.Now().UTC()
		dir := filepath.Join(f.cfg.DiagnosticsDir, DaemonLogsDir, now.Format("2006-01-02"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create daemon log dir: %w", err)
		}
		suffix := ""
		if apiValidate {
			suffix = "-dmapi"
		}
		path = filepath.Join(dir, fmt.Sprintf("dd-utc-%s%s.log", now.Format("2006-01-02-15-04-05"), suffix))
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		f.logger.Info("Logging daemon output", zap.String("path", path))
		return path, true, nil
	case !cli:
		return filepath.Join(artifact.Directory, uuid.NewString()+".dd.log"), false, nil
	default:
		return "", true, nil
	}
}

func (f *Factory) outputLogger(proc *process.Process, path string, cli, preserve bool) func(context.Context) {
	return func(ctx context.Context) {
		var out string
		if cli {
			o, err := proc.Output(ctx)
			if err != nil {
				f.logger.Warn("Error reading daemon output", zap.Error(err))
			}
			out = o
		}
		if out == "" && path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				f.logger.Warn("Error reading daemon log file", zap.String("path", path), zap.Error(err))
			}
			out = string(b)
			if !preserve {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					f.logger.Warn("Failed to delete daemon log file", zap.String("path", path), zap.Error(err))
				}
			}
		}
		f.logger.Debug("Daemon output", zap.Int("pid", proc.ID()), zap.String("output", out))
	}
}

// abort kills a daemon whose launch failed and waits for it to exit.
func (f *Factory) abort(ctx context.Context, proc *process.Process) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWait)
	defer cancel()

	if err := proc.Terminate(); err != nil {
		f.logger.Warn("Failed to terminate daemon after launch failure", zap.Int("pid", proc.ID()), zap.Error(err))
	}
	if _, err := proc.Lifetime(ctx); err != nil && ctx.Err() != nil {
		f.logger.Error("Daemon did not exit after launch failure", zap.Int("pid", proc.ID()), zap.Error(err))
	}
	_ = proc.Close()
}

func (f *Factory) checkPagerNotRunning(ctx context.Context) error {
	if !f.cfg.CheckPager {
		return nil
	}

	other, err := f.executor.AttachByName(ctx, f.cfg.PagerProcessName)
	if err != nil {
		if process.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("look up pager: %w", err)
	}
	defer func() { _ = other.Close() }()

	otherUser, err := other.Username(ctx)
	if err != nil {
		return fmt.Errorf("pager owner: %w", err)
	}

	self, err := f.executor.AttachToSelf(ctx)
	if err != nil {
		return fmt.Errorf("inspect host process: %w", err)
	}
	defer func() { _ = self.Close() }()

	ourUser, err := self.Username(ctx)
	if err != nil {
		return fmt.Errorf("host process owner: %w", err)
	}

	if otherUser == ourUser {
		return &jobregistry.JobError{
			Code:    jobregistry.ErrorCodeDaemonPagerRunning,
			Message: fmt.Sprintf("%s (pid %d, user %s)", jobregistry.ErrorCodeDaemonPagerRunning.Message(), other.ID(), otherUser),
		}
	}
	return nil
}

// portBindTest fails with ErrorCodeDaemonPortInUse when port cannot be bound.
func portBindTest(ctx context.Context, port uint16) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return &jobregistry.JobError{
			Code:    jobregistry.ErrorCodeDaemonPortInUse,
			Message: fmt.Sprintf("port %d is already in use", port),
			Err:     err,
		}
	}
	return ln.Close()
}

func newAccessIdentifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access identifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func asEngineLockFailure(err error) error {
	if _, ok := jobregistry.AsJobError(err); ok {
		return err
	}
	return jobregistry.NewJobError(jobregistry.ErrorCodeEngineLockFailure, err)
}
