package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/config"
	"github.com/3leaps/sessiond/internal/observability"
	"github.com/3leaps/sessiond/pkg/jobhub"
	"github.com/3leaps/sessiond/pkg/session"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the host environment and configuration.

Examples:
  sessiond doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
	// required checks fail the command; the rest only warn.
	required bool
}

var doctorChecks = []doctorCheck{
	{name: "Go runtime", run: func(context.Context, *config.Config) (string, error) {
		return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
	}},
	{name: "Crucible access", run: func(context.Context, *config.Config) (string, error) {
		v := crucible.GetVersion()
		if v.Crucible == "" {
			return "", fmt.Errorf("cannot access Crucible")
		}
		return "v" + v.Crucible, nil
	}},
	{name: "Data directory", required: true, run: func(_ context.Context, cfg *config.Config) (string, error) {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return "", err
		}
		return cfg.DataDir, nil
	}},
	{name: "Job store", required: true, run: func(ctx context.Context, cfg *config.Config) (string, error) {
		store, closeStore, err := openJobStore(ctx, cfg)
		if err != nil {
			return "", err
		}
		defer func() { _ = closeStore() }()
		if err := (storeHealthChecker{store: store}).CheckHealth(ctx); err != nil {
			return "", err
		}
		return cfg.Jobs.Store.Driver + " " + cfg.Jobs.Store.Path, nil
	}},
	{name: "Engine install", run: func(ctx context.Context, cfg *config.Config) (string, error) {
		version, err := session.ParseEngineVersion(cfg.Session.EngineVersion)
		if err != nil {
			return "", err
		}
		lock, err := localEngines{daemonPath: cfg.Session.DaemonPath, version: version}.UseExecutables(ctx, version, "")
		if err != nil {
			return "", err
		}
		defer func() { _ = lock.Close() }()
		caps := session.CapabilitiesFor(version, runtime.GOOS)
		return fmt.Sprintf("%s (engine %s, cli=%t, map_threads=%t)", lock.DaemonPath(), version, caps.SupportsCLI, caps.SupportsMapThreads), nil
	}},
	{name: "Redis broadcast", run: func(ctx context.Context, cfg *config.Config) (string, error) {
		if !cfg.Broadcast.Redis.Enabled {
			return "disabled", nil
		}
		pub := jobhub.NewRedisPublisher(jobhub.RedisConfig{
			Addr:     cfg.Broadcast.Redis.Addr,
			Password: cfg.Broadcast.Redis.Password,
			DB:       cfg.Broadcast.Redis.DB,
		})
		defer func() { _ = pub.Close() }()
		if err := pub.Ping(ctx); err != nil {
			return "", err
		}
		return cfg.Broadcast.Redis.Addr, nil
	}},
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")

	failedRequired := []string{}
	allChecks := true
	for i, check := range doctorChecks {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		detail, err := check.run(ctx, appConfig)
		cancel()

		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(doctorChecks), strings.ToLower(check.name))
		if err != nil {
			allChecks = false
			if check.required {
				failedRequired = append(failedRequired, check.name)
				logger.Error(prefix+" failed", zap.Error(err))
			} else {
				logger.Warn(prefix+" warning", zap.Error(err))
			}
			continue
		}
		logger.Info(prefix+" ok", zap.String("detail", detail))
	}

	if len(failedRequired) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("required checks failed: %s", strings.Join(failedRequired, ", ")))
	}
	if allChecks {
		logger.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		logger.Warn("Some checks reported warnings. Review the output above for details.")
	}
	return nil
}
