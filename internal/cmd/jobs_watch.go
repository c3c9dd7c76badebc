package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/sessiond/internal/errors"
	"github.com/3leaps/sessiond/pkg/jobregistry"
	"github.com/3leaps/sessiond/pkg/output"
)

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Follow a job on the host as JSONL until it finishes",
	Long: `Follow a job on the running host and print one JSONL record per update.

The stream ends with a sessiond.summary.v1 record. The command fails when the
job fails or the stream ends before the job does.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWatch,
}

func init() {
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsWatchCmd.Flags().String("host", "", "Host API base URL (default from server.host/server.port)")
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	w := output.NewJSONLWriter(cmd.OutOrStdout(), id)
	defer func() { _ = w.Close() }()

	job, err := watchRemoteJob(cmd.Context(), http.DefaultClient, hostBase(cmd), id, w)
	if err != nil {
		return err
	}
	if jobState(job) == "failed" {
		return fmt.Errorf("job %s failed", id)
	}
	return nil
}

// watchRemoteJob follows GET /jobs/{id}/events and writes every update to w.
// It returns the last snapshot seen.
func watchRemoteJob(ctx context.Context, client *http.Client, base, id string, w output.Writer) (*jobregistry.Job, error) {
	start := time.Now()
	u, err := url.Parse(strings.TrimRight(base, "/") + "/jobs/" + url.PathEscape(id) + "/events")
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --host", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeUnavailable, Message: err.Error()})
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Host is not reachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body apperrors.HTTPErrorResponse
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		rec := &output.ErrorRecord{Code: output.ErrCodeUnavailable, Message: msg}
		code := foundry.ExitExternalServiceUnavailable
		if resp.StatusCode == http.StatusNotFound {
			rec.Code = output.ErrCodeNotFound
			code = foundry.ExitInvalidArgument
		}
		_ = w.WriteError(ctx, rec)
		return nil, exitError(code, "Watch rejected", errors.New(msg))
	}

	var (
		last    *jobregistry.Job
		updates int
		event   string
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "job":
			var job jobregistry.Job
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &job); err != nil {
				_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeStream, Message: err.Error()})
				continue
			}
			if err := w.WriteJob(ctx, &job); err != nil {
				return &job, exitError(foundry.ExitFileWriteError, "Failed to write update", err)
			}
			last = &job
			updates++
		}
		if last != nil && last.Finished() {
			break
		}
	}

	finished := last != nil && last.Finished()
	var streamErr error
	if !finished && ctx.Err() == nil {
		streamErr = sc.Err()
		if streamErr == nil {
			streamErr = errors.New("stream closed")
		}
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeStream, Message: streamErr.Error()})
	}

	state := "unknown"
	if last != nil {
		state = jobState(last)
	}
	_ = w.WriteSummary(context.WithoutCancel(ctx), &output.SummaryRecord{
		Updates:    updates,
		State:      state,
		DurationMs: time.Since(start).Milliseconds(),
		Finished:   finished,
	})

	if streamErr != nil {
		return last, exitError(foundry.ExitExternalServiceUnavailable, "Event stream ended before the job finished", streamErr)
	}
	if !finished {
		return last, ctx.Err()
	}
	return last, nil
}
