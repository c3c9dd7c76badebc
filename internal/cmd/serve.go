package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/observability"
	"github.com/3leaps/sessiond/internal/server"
	"github.com/3leaps/sessiond/internal/server/handlers"
	"github.com/3leaps/sessiond/pkg/jobhub"
	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/process"
	"github.com/3leaps/sessiond/pkg/session"
)

var serveLaunch launchFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host: job API, daemon supervision and reattachment",
	Long: `Run the sessiond host.

On start the host cancels jobs a previous host left unfinished, reattaches to
the daemon named in the reattach record when it is still running, and
otherwise launches --dmb when given. Stopping the host detaches from the
daemon and keeps the record so the next host can reattach.

Examples:
  sessiond serve
  sessiond serve --dmb /srv/game/live/game.dmb --daemon-port 1337 --security safe`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveLaunch.bind(serveCmd.Flags())
}

type identityHealthChecker struct {
	identity *appidentity.Identity
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.identity == nil {
		return errors.New("app identity not loaded")
	}
	return appidentity.ValidateIdentity(ctx, c.identity)
}

type storeHealthChecker struct {
	store jobregistry.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.store.List(ctx, jobregistry.ListFilter{Limit: 1})
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.ServerLogger

	launch, err := serveLaunch.request(cfg.Session.EngineVersion)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid launch flags", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openJobStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = closeStore() }()

	hub := jobhub.NewHub()
	broadcaster, publisher := newBroadcaster(cfg, hub)
	if publisher != nil {
		defer func() { _ = publisher.Close() }()
	}
	svc := newJobService(cfg, store, broadcaster, logger)

	health := handlers.InitHealthManager(versionInfo.Version)
	health.SetStarted(false)
	if cfg.Health.Enabled {
		health.RegisterChecker("identity", identityHealthChecker{identity: GetAppIdentity()})
		health.RegisterChecker("job_store", storeHealthChecker{store: store})
		if publisher != nil {
			health.RegisterChecker("redis", handlers.HealthCheckerFunc(publisher.Ping))
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
		server.WithJobs(&handlers.JobsAPI{Store: store, Service: svc, Hub: hub, Logger: logger}),
	)

	if err := svc.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start job service", err)
	}
	if err := svc.Activate(hostInstances{instance: hostInstance{name: cfg.Session.InstanceName}}); err != nil {
		_ = svc.Stop(context.Background())
		return err
	}

	if strings.TrimSpace(cfg.Session.DaemonPath) == "" {
		logger.Info("session.daemon_path not configured; daemon supervision disabled")
	} else {
		factory, err := newSessionFactory(cfg, process.NewExecutor(nil, logger), logger)
		if err != nil {
			_ = svc.Stop(context.Background())
			return exitError(foundry.ExitInvalidArgument, "Invalid session configuration", err)
		}
		sup := &supervisor{
			factory: factory,
			records: session.NewRecordStore(cfg.Session.ReattachPath),
			launch:  launch,
			logger:  logger,
		}
		job := &jobregistry.Job{
			Description: "Supervise daemon",
			InstanceID:  cfg.Session.InstanceName,
			StartedBy:   currentUser(cfg.Jobs.SystemUser),
		}
		if err := svc.RegisterOperation(ctx, job, sup.run); err != nil {
			_ = svc.Stop(context.Background())
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to register supervision job", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()
	health.SetStarted(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = svc.Stop(context.Background())
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop jobs: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Unclean shutdown", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
