package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/sessiond/internal/errors"
	"github.com/3leaps/sessiond/internal/server/handlers"
	"github.com/3leaps/sessiond/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage job records",
	Long: `Inspect and manage job records in the configured job store.

list, show, gc and recover read the store directly. cancel and watch talk
to the running host over HTTP, since only the host runs job bodies.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a running job on the host",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs older than a retention period",
	RunE:  runJobsGC,
}

var jobsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark jobs left unfinished by a dead host as cancelled",
	Long: `Mark every unfinished job as cancelled.

Only run this while no host is serving from the same store; a running host
performs the same sweep for its own store when it starts.`,
	RunE: runJobsRecover,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd, jobsGCCmd, jobsRecoverCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("active", false, "Only unfinished jobs")
	jobsListCmd.Flags().String("instance", "", "Only jobs of this instance")
	jobsListCmd.Flags().Int("limit", 0, "Maximum number of jobs (0 = all)")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCancelCmd.Flags().Bool("wait", false, "Wait for the job to unwind")
	jobsCancelCmd.Flags().String("host", "", "Host API base URL (default from server.host/server.port)")
	jobsGCCmd.Flags().Duration("max-age", 0, "Delete jobs finished longer ago than this (default jobs.retain_for)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
	jobsRecoverCmd.Flags().Bool("yes", false, "Confirm that no host is running")
}

func withJobStore(ctx context.Context, fn func(jobregistry.Store) error) error {
	store, closeStore, err := openJobStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = closeStore() }()
	return fn(store)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	active, _ := cmd.Flags().GetBool("active")
	instance, _ := cmd.Flags().GetString("instance")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit", fmt.Errorf("must be >= 0"))
	}

	return withJobStore(cmd.Context(), func(store jobregistry.Store) error {
		jobs, err := store.List(cmd.Context(), jobregistry.ListFilter{
			ActiveOnly: active,
			InstanceID: strings.TrimSpace(instance),
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs, jsonOutput)
	})
}

func printJobs(out io.Writer, jobs []jobregistry.Job, jsonOutput bool) error {
	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.Job{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tINSTANCE\tSTATE\tSTARTED\tSTOPPED\tSTARTED BY\tDESCRIPTION")
	for i := range jobs {
		j := &jobs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.InstanceID,
			jobState(j),
			j.StartedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.StoppedAt),
			j.StartedBy,
			j.Description,
		)
	}
	return nil
}

// jobState summarizes a record as running, succeeded, cancelled or failed.
func jobState(j *jobregistry.Job) string {
	switch {
	case !j.Finished():
		return "running"
	case j.Cancelled:
		return "cancelled"
	case j.ErrorCode != nil || j.ExceptionDetails != nil:
		return "failed"
	default:
		return "succeeded"
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return withJobStore(cmd.Context(), func(store jobregistry.Store) error {
		id, err := resolveJobID(cmd.Context(), store, args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		job, err := store.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job, jsonOutput)
	})
}

func printJob(out io.Writer, job *jobregistry.Job, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	_, _ = fmt.Fprintf(out, "id=%s\n", job.ID)
	_, _ = fmt.Fprintf(out, "description=%s\n", job.Description)
	_, _ = fmt.Fprintf(out, "instance=%s\n", job.InstanceID)
	_, _ = fmt.Fprintf(out, "state=%s\n", jobState(job))
	_, _ = fmt.Fprintf(out, "started_by=%s\n", job.StartedBy)
	_, _ = fmt.Fprintf(out, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	if job.StoppedAt != nil {
		_, _ = fmt.Fprintf(out, "stopped_at=%s\n", job.StoppedAt.UTC().Format(time.RFC3339))
	}
	if job.CancelledBy != nil {
		_, _ = fmt.Fprintf(out, "cancelled_by=%s\n", *job.CancelledBy)
	}
	if job.Stage != nil {
		_, _ = fmt.Fprintf(out, "stage=%s\n", *job.Stage)
	}
	if job.Progress != nil {
		_, _ = fmt.Fprintf(out, "progress=%d\n", *job.Progress)
	}
	if job.ErrorCode != nil {
		_, _ = fmt.Fprintf(out, "error_code=%d\n", uint32(*job.ErrorCode))
	}
	if job.ExceptionDetails != nil {
		_, _ = fmt.Fprintf(out, "details=%s\n", *job.ExceptionDetails)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetBool("wait")
	job, err := cancelRemoteJob(cmd.Context(), http.DefaultClient, hostBase(cmd), strings.TrimSpace(args[0]),
		currentUser(appConfig.Jobs.SystemUser), wait)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job, false)
}

// hostBase is --host or the URL of the configured server.
func hostBase(cmd *cobra.Command) string {
	base, _ := cmd.Flags().GetString("host")
	if strings.TrimSpace(base) == "" {
		base = "http://" + net.JoinHostPort(appConfig.Server.Host, strconv.Itoa(appConfig.Server.Port))
	}
	return base
}

// cancelRemoteJob issues DELETE /jobs/{id} against the host API.
func cancelRemoteJob(ctx context.Context, client *http.Client, base, id, user string, wait bool) (*jobregistry.Job, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/jobs/" + url.PathEscape(id))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --host", err)
	}
	if wait {
		u.RawQuery = url.Values{"wait": {"true"}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(handlers.UserHeader, user)

	resp, err := client.Do(req)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Host is not reachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		var body apperrors.HTTPErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Message == "" {
			return nil, fmt.Errorf("cancel job %s: host answered %s", id, resp.Status)
		}
		code := foundry.ExitExternalServiceUnavailable
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
			code = foundry.ExitInvalidArgument
		}
		return nil, exitError(code, "Cancel rejected", fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message))
	}

	var job jobregistry.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge == 0 {
		maxAge = appConfig.Jobs.RetainFor
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withJobStore(cmd.Context(), func(store jobregistry.Store) error {
		n, err := gcJobs(cmd.Context(), store, time.Now().UTC().Add(-maxAge), dryRun)
		if err != nil {
			return err
		}
		res := jobsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
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
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "would_delete=%d\n", n)
			return nil
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", n)
		return nil
	})
}

// gcJobs deletes jobs that stopped before cutoff. Unfinished jobs are never
// touched.
func gcJobs(ctx context.Context, store jobregistry.Store, cutoff time.Time, dryRun bool) (int, error) {
	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		j := &jobs[i]
		if !j.Finished() || !j.StoppedAt.Before(cutoff) {
			continue
		}
		if !dryRun {
			if err := store.Delete(ctx, j.ID); err != nil {
				return n, fmt.Errorf("delete job %s: %w", j.ID, err)
			}
		}
		n++
	}
	return n, nil
}

func runJobsRecover(cmd *cobra.Command, _ []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return exitError(foundry.ExitInvalidArgument, "Refusing to recover jobs", fmt.Errorf("pass --yes to confirm no host is running"))
	}
	return withJobStore(cmd.Context(), func(store jobregistry.Store) error {
		n, err := store.CancelUnfinished(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled=%d\n", n)
		return nil
	})
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full id or an unambiguous prefix of one.
func resolveJobID(ctx context.Context, store jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	} else if !jobregistry.IsNotFound(err) {
		return "", err
	}

	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full id", len(matches))
	}
}
