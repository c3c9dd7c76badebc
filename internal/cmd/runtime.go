package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/config"
	"github.com/3leaps/sessiond/pkg/jobhub"
	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/jobservice"
	"github.com/3leaps/sessiond/pkg/jobstore"
	"github.com/3leaps/sessiond/pkg/process"
	"github.com/3leaps/sessiond/pkg/session"
)

// openJobStore opens the configured job store. The returned close function
// is never nil.
func openJobStore(ctx context.Context, cfg *config.Config) (jobregistry.Store, func() error, error) {
	switch cfg.Jobs.Store.Driver {
	case config.StoreDriverFile:
		return jobregistry.NewFileStore(cfg.Jobs.Store.Path), func() error { return nil }, nil
	default:
		store, err := jobstore.OpenStore(ctx, jobstore.Config{
			Path:      cfg.Jobs.Store.Path,
			URL:       cfg.Jobs.Store.URL,
			AuthToken: cfg.Jobs.Store.AuthToken,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open job store: %w", err)
		}
		return store, store.Close, nil
	}
}

// newBroadcaster returns the in-process hub, fanned out to redis when
// enabled. The publisher is nil when redis is off.
func newBroadcaster(cfg *config.Config, hub *jobhub.Hub) (jobservice.Broadcaster, *jobhub.RedisPublisher) {
	if !cfg.Broadcast.Redis.Enabled {
		return hub, nil
	}
	pub := jobhub.NewRedisPublisher(jobhub.RedisConfig{
		Addr:          cfg.Broadcast.Redis.Addr,
		Password:      cfg.Broadcast.Redis.Password,
		DB:            cfg.Broadcast.Redis.DB,
		ChannelPrefix: cfg.Broadcast.Redis.ChannelPrefix,
	})
	return jobhub.Fanout{hub, pub}, pub
}

func newJobService(cfg *config.Config, store jobregistry.Store, b jobservice.Broadcaster, logger *zap.Logger) *jobservice.Service {
	return jobservice.New(jobservice.Config{
		UpdatesPerSecond: cfg.Jobs.UpdatesPerSecond,
		SystemUser:       cfg.Jobs.SystemUser,
	}, store, b, logger)
}

// hostInstance is the single instance this host supervises.
type hostInstance struct {
	name string
}

func (i hostInstance) ID() string { return i.name }

type hostInstances struct {
	instance hostInstance
}

func (p hostInstances) Instance(id string) (jobservice.Instance, error) {
	if id != p.instance.name {
		return nil, fmt.Errorf("unknown instance %q", id)
	}
	return p.instance, nil
}

// localEngines serves every engine version from the one configured install.
// Deployments needing a firewall or trust exception are registered with
// trustCommand under the launch lock.
type localEngines struct {
	daemonPath   string
	version      session.EngineVersion
	trustCommand []string
	lock         *process.LaunchLock
	logger       *zap.Logger
}

func (e localEngines) UseExecutables(ctx context.Context, version session.EngineVersion, trustedDmbPath string) (session.EngineLock, error) {
	if strings.TrimSpace(e.daemonPath) == "" {
		return nil, fmt.Errorf("session.daemon_path is not configured")
	}
	if version != e.version {
		return nil, fmt.Errorf("engine %s is not installed (have %s)", version, e.version)
	}
	if _, err := os.Stat(e.daemonPath); err != nil {
		return nil, fmt.Errorf("daemon executable: %w", err)
	}
	if trustedDmbPath != "" && len(e.trustCommand) > 0 {
		lock := e.lock
		if lock == nil {
			lock = process.NewLaunchLock()
		}
		if err := lock.WithExclusivity(ctx, func(ctx context.Context) error {
			return e.addTrustException(ctx, trustedDmbPath)
		}); err != nil {
			return nil, jobregistry.NewJobError(jobregistry.ErrorCodeEngineFirewallFail, err)
		}
	}
	return localEngineLock{daemonPath: e.daemonPath, version: e.version}, nil
}

// addTrustException runs the trust command directly; launching it through
// the executor would wait on the lock held by the caller.
func (e localEngines) addTrustException(ctx context.Context, dmbPath string) error {
	logger := e.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Adding trust exception", zap.String("dmb", dmbPath), zap.String("command", e.trustCommand[0]))

	args := append(append([]string(nil), e.trustCommand[1:]...), dmbPath)
	out, err := exec.CommandContext(ctx, e.trustCommand[0], args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("invalid exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("run trust command: %w", err)
	}
	logger.Debug("Trust exception added", zap.String("dmb", dmbPath))
	return nil
}

type localEngineLock struct {
	daemonPath string
	version    session.EngineVersion
}

func (l localEngineLock) DaemonPath() string             { return l.daemonPath }
func (l localEngineLock) Version() session.EngineVersion { return l.version }
func (l localEngineLock) Close() error                   { return nil }

// loggingEvents records lifecycle events in the server log.
type loggingEvents struct {
	logger *zap.Logger
}

func (e loggingEvents) HandleEvent(_ context.Context, event string, params []string) error {
	e.logger.Info("Session event", zap.String("event", event), zap.Strings("params", params))
	return nil
}

func newSessionFactory(cfg *config.Config, executor *process.Executor, logger *zap.Logger) (*session.Factory, error) {
	version, err := session.ParseEngineVersion(cfg.Session.EngineVersion)
	if err != nil {
		return nil, fmt.Errorf("session.engine_version: %w", err)
	}
	return session.NewFactory(session.Config{
		InstanceName:           cfg.Session.InstanceName,
		ServerVersion:          versionInfo.Version,
		HTTPAPIPort:            uint16(cfg.Session.APIPort),
		DiagnosticsDir:         cfg.Session.DiagnosticsDir,
		HighPriorityLive:       cfg.Session.HighPriorityLive,
		LowPriorityDeployments: cfg.Session.LowPriorityDeployments,
		CheckPager:             cfg.Session.CheckPager,
		PagerProcessName:       cfg.Session.PagerProcessName,
	}, session.Dependencies{
		Executor: executor,
		Engines: localEngines{
			daemonPath:   cfg.Session.DaemonPath,
			version:      version,
			trustCommand: strings.Fields(cfg.Session.TrustCommand),
			lock:         executor.Lock(),
			logger:       logger,
		},
		Events: loggingEvents{logger: logger},
		Logger: logger,
	})
}

// currentUser names the invoking OS user for StartedBy and CancelledBy.
func currentUser(fallback string) string {
	if u, err := user.Current(); err == nil && strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	return fallback
}
