package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/observability"
	"github.com/3leaps/sessiond/pkg/process"
	"github.com/3leaps/sessiond/pkg/session"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Inspect or stop the daemon named in the reattach record",
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the reattach record and whether its daemon is alive",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the recorded daemon, killing it after the grace period",
	RunE:  runDaemonStop,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)

	daemonStatusCmd.Flags().Bool("json", false, "Output as JSON")
	daemonStopCmd.Flags().Duration("grace", 0, "Time to wait before killing (default session.stop_grace)")
}

type daemonStatus struct {
	Record *session.ReattachRecord `json:"record,omitempty"`
	Alive  bool                    `json:"alive"`
	Path   string                  `json:"record_path"`
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	records := session.NewRecordStore(appConfig.Session.ReattachPath)

	status := daemonStatus{Path: records.Path()}
	rec, err := records.Load(cmd.Context())
	switch {
	case errors.Is(err, session.ErrNoRecord):
	case err != nil:
		return exitError(foundry.ExitFileReadError, "Failed to read reattach record", err)
	default:
		status.Record = rec
		executor := process.NewExecutor(nil, observability.CLILogger)
		proc, err := executor.Attach(cmd.Context(), rec.ProcessID)
		if err == nil {
			status.Alive = true
			_ = proc.Close()
		} else if !process.IsNotFound(err) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to inspect daemon", err)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	if status.Record == nil {
		_, _ = fmt.Fprintln(os.Stdout, "No reattach record")
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.ProcessID)
	_, _ = fmt.Fprintf(os.Stdout, "port=%d\n", rec.Port)
	_, _ = fmt.Fprintf(os.Stdout, "alive=%t\n", status.Alive)
	_, _ = fmt.Fprintf(os.Stdout, "dmb=%s\n", rec.Dmb.DmbName)
	_, _ = fmt.Fprintf(os.Stdout, "engine=%s\n", rec.Dmb.EngineVersion)
	_, _ = fmt.Fprintf(os.Stdout, "security=%s\n", rec.LaunchSecurityLevel)
	_, _ = fmt.Fprintf(os.Stdout, "visibility=%s\n", rec.LaunchVisibility)
	_, _ = fmt.Fprintf(os.Stdout, "reboot_state=%s\n", rec.RebootState)
	return nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	grace, _ := cmd.Flags().GetDuration("grace")
	if grace <= 0 {
		grace = appConfig.Session.StopGrace
	}
	records := session.NewRecordStore(appConfig.Session.ReattachPath)

	rec, err := records.Load(ctx)
	if errors.Is(err, session.ErrNoRecord) {
		_, _ = fmt.Fprintln(os.Stdout, "No reattach record")
		return nil
	}
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read reattach record", err)
	}

	executor := process.NewExecutor(nil, observability.CLILogger)
	proc, err := executor.Attach(ctx, rec.ProcessID)
	switch {
	case process.IsNotFound(err):
		observability.CLILogger.Info("Recorded daemon is not running", zap.Int("pid", rec.ProcessID))
	case err != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to attach to daemon", err)
	default:
		defer func() { _ = proc.Close() }()
		observability.CLILogger.Info("Stopping daemon", zap.Int("pid", rec.ProcessID), zap.Duration("grace", grace))
		if err := executor.Stop(ctx, proc, grace); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to stop daemon", err)
		}
	}

	if err := records.Clear(ctx); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to clear reattach record", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "stopped pid=%d\n", rec.ProcessID)
	return nil
}
