// Package cmd implements the sessiond command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/config"
	"github.com/3leaps/sessiond/internal/observability"
	"github.com/3leaps/sessiond/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(handlers.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate})
}

var (
	appIdentity *appidentity.Identity
	appConfig   *config.Config

	logLevelFlag   string
	logProfileFlag string
)

// GetAppIdentity returns the identity loaded for this invocation, or nil
// before the root command ran.
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Supervise game server daemons and the jobs that drive them",
	Long: `sessiond launches daemon processes, reattaches to them across host
restarts, and tracks the background jobs doing that work.

Configuration is read from defaults, an optional sessiond.yaml, SESSIOND_*
environment variables and flags, in increasing order of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logProfileFlag, "log-profile", "", "Log profile (structured or console)")
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func loadRuntime(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	logging := map[string]any{}
	if v := strings.TrimSpace(logLevelFlag); v != "" {
		logging["level"] = v
	}
	if v := strings.TrimSpace(logProfileFlag); v != "" {
		logging["profile"] = v
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	id, err := config.ResolveIdentity(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid app identity", err)
	}
	appIdentity = id
	appConfig = cfg
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer observability.Sync()

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	code := ExitCode(err)
	observability.CLILogger.Debug("Command failed", zap.Int("exit_code", code), zap.Error(err))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return code
}

type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// ExitCode maps err to a process exit code. Errors not built by exitError
// exit with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
