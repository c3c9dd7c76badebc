package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/sessiond/internal/observability"
	"github.com/3leaps/sessiond/pkg/match"
	"github.com/3leaps/sessiond/pkg/session"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage daemon output logs",
}

var logsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete daemon output logs older than a retention period",
	Long: `Delete daemon output logs under <diagnostics_dir>/daemon-logs that were
last written longer ago than --max-age. Day directories left empty are
removed as well.`,
	RunE: runLogsGC,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsGCCmd)

	logsGCCmd.Flags().Duration("max-age", 0, "Delete logs older than this (default session.log_retention)")
	logsGCCmd.Flags().StringSlice("include", []string{"**/*.log"}, "Globs of log files below the daemon log directory")
	logsGCCmd.Flags().StringSlice("exclude", nil, "Globs of log files to keep regardless of age")
	logsGCCmd.Flags().Bool("dry-run", false, "Show how many logs would be deleted")
	logsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

type logsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	Bytes       int64  `json:"bytes"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runLogsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge == 0 {
		maxAge = appConfig.Session.LogRetention
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	includes, _ := cmd.Flags().GetStringSlice("include")
	excludes, _ := cmd.Flags().GetStringSlice("exclude")
	m, err := match.New(match.Config{Includes: includes, Excludes: excludes})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid log selection", err)
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	root := filepath.Join(appConfig.Session.DiagnosticsDir, session.DaemonLogsDir)
	n, size, err := gcLogs(root, m, time.Now().Add(-maxAge), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Log cleanup failed", err)
	}

	res := logsGCResult{DryRun: dryRun, MaxAge: maxAge.String(), Bytes: size}
	if dryRun {
		res.WouldDelete = n
	} else {
		res.Deleted = n
	}
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "would_delete=%d bytes=%d\n", n, size)
		return nil
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d bytes=%d\n", n, size)
	return nil
}

// gcLogs removes files below root selected by m that were modified before
// cutoff. A missing root is not an error.
func gcLogs(root string, m *match.Matcher, cutoff time.Time, dryRun bool) (int, int64, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}

	var (
		n    int
		size int64
		dirs = map[string]struct{}{}
	)
	err := m.Walk(os.DirFS(root), func(rel string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		if !dryRun {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			dirs[filepath.Dir(path)] = struct{}{}
		}
		n++
		size += info.Size()
		return nil
	})
	if err != nil {
		return n, size, err
	}

	for dir := range dirs {
		if dir == root {
			continue
		}
		// Only empty directories are removed.
		if err := os.Remove(dir); err == nil {
			observability.CLILogger.Debug("Removed empty log directory", zap.String("dir", dir))
		}
	}
	return n, size, nil
}
