package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/jobservice"
	"github.com/3leaps/sessiond/pkg/session"
)

// launchFlags collect the daemon launch settings of serve.
type launchFlags struct {
	dmb             string
	compileJob      string
	minimumSecurity string
	dmapiVersion    string

	port           uint16
	security       string
	visibility     string
	allowWebClient bool
	logOutput      bool
	profile        bool
	mapThreads     uint
	params         string
	topicTimeout   time.Duration
}

func (f *launchFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.dmb, "dmb", "", "Compiled deployment to launch when no daemon can be reattached")
	fs.StringVar(&f.compileJob, "compile-job", "", "Compile job id recorded with the deployment")
	fs.StringVar(&f.minimumSecurity, "minimum-security", "ultrasafe", "Least privileged security level the deployment accepts")
	fs.StringVar(&f.dmapiVersion, "dmapi-version", "", "Host API version of the deployment (empty when unsupported)")
	fs.Uint16Var(&f.port, "daemon-port", 1337, "Port the daemon listens on")
	fs.StringVar(&f.security, "security", "safe", "Security level: trusted, safe or ultrasafe")
	fs.StringVar(&f.visibility, "visibility", "public", "Visibility: public, private or invisible")
	fs.BoolVar(&f.allowWebClient, "web-client", false, "Allow web client connections")
	fs.BoolVar(&f.logOutput, "log-output", false, "Keep daemon output under the diagnostics directory")
	fs.BoolVar(&f.profile, "profile", false, "Start the daemon profiler")
	fs.UintVar(&f.mapThreads, "map-threads", 0, "Map threads (engines that support it)")
	fs.StringVar(&f.params, "params", "", "Additional URL encoded daemon parameters")
	fs.DurationVar(&f.topicTimeout, "topic-timeout", 5*time.Second, "Topic request timeout recorded for the session")
}

type launchRequest struct {
	artifact session.Artifact
	params   session.LaunchParameters
}

// request returns nil when no deployment was given.
func (f *launchFlags) request(engine string) (*launchRequest, error) {
	if strings.TrimSpace(f.dmb) == "" {
		return nil, nil
	}
	version, err := session.ParseEngineVersion(engine)
	if err != nil {
		return nil, err
	}
	minSec, err := session.ParseSecurityLevel(f.minimumSecurity)
	if err != nil {
		return nil, err
	}
	sec, err := session.ParseSecurityLevel(f.security)
	if err != nil {
		return nil, err
	}
	vis, err := session.ParseVisibility(f.visibility)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(f.dmb)
	if err != nil {
		return nil, err
	}
	artifact := session.Artifact{
		Directory:       filepath.Dir(abs),
		DmbName:         filepath.Base(abs),
		CompileJobID:    f.compileJob,
		EngineVersion:   version,
		MinimumSecurity: minSec,
		DMAPIVersion:    f.dmapiVersion,
	}
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	return &launchRequest{
		artifact: artifact,
		params: session.LaunchParameters{
			Port:                 f.port,
			SecurityLevel:        sec,
			Visibility:           vis,
			AllowWebClient:       f.allowWebClient,
			LogOutput:            f.logOutput,
			StartProfiler:        f.profile,
			MapThreads:           f.mapThreads,
			AdditionalParameters: f.params,
			TopicRequestTimeout:  f.topicTimeout,
		},
	}, nil
}

// supervisor keeps one daemon session alive for the lifetime of a job.
type supervisor struct {
	factory *session.Factory
	records *session.RecordStore
	launch  *launchRequest
	logger  *zap.Logger
}

// run reattaches to the recorded daemon or launches a new one, then waits
// for it to exit. Cancelling the job detaches and leaves the daemon and its
// record in place for the next host.
func (s *supervisor) run(ctx context.Context, _ jobservice.Instance, _ jobregistry.Store, job *jobregistry.Job, progress *jobservice.ProgressReporter) error {
	logger := s.logger.With(zap.String("job_id", job.ID))

	progress.Report("reattaching", 0)
	sess, err := s.reattach(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		if s.launch == nil {
			logger.Info("No daemon to reattach and no deployment to launch")
			progress.Report("idle", 1)
			return nil
		}
		progress.Report("launching", 0.25)
		sess, err = s.factory.LaunchNew(ctx, s.launch.artifact, nil, s.launch.params, false)
		if err != nil {
			return err
		}
		if err := s.records.Save(ctx, sess.Record()); err != nil {
			_ = sess.Terminate()
			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = sess.Lifetime(waitCtx)
			cancel()
			_ = sess.Close()
			return fmt.Errorf("save reattach record: %w", err)
		}
	}
	defer func() { _ = sess.Close() }()

	pid := sess.Process().ID()
	logger.Info("Supervising daemon", zap.Int("pid", pid), zap.Bool("reattached", sess.Reattached()))
	progress.Report("running", 0.5)

	code, err := sess.Lifetime(ctx)
	if ctx.Err() != nil {
		logger.Info("Detaching from daemon", zap.Int("pid", pid))
		return ctx.Err()
	}
	if clearErr := s.records.Clear(context.WithoutCancel(ctx)); clearErr != nil {
		logger.Warn("Failed to clear reattach record", zap.Error(clearErr))
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("daemon exited with code %d", code)
	}
	progress.Report("exited", 1)
	return nil
}

func (s *supervisor) reattach(ctx context.Context) (*session.Session, error) {
	rec, err := s.records.Load(ctx)
	if errors.Is(err, session.ErrNoRecord) {
		return nil, nil
	}
	if errors.Is(err, session.ErrInvalidRecord) {
		s.logger.Warn("Discarding unusable reattach record", zap.Error(err))
		return nil, s.records.Clear(ctx)
	}
	if err != nil {
		return nil, err
	}
	sess, ok, err := s.factory.Reattach(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.records.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}
