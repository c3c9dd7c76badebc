package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/sessiond/internal/errors"
	"github.com/3leaps/sessiond/pkg/jobhub"
	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// UserHeader names the user a cancel request is made on behalf of.
const UserHeader = "X-Sessiond-User"

// JobService is the part of the job scheduler the API drives.
type JobService interface {
	CancelJob(ctx context.Context, id, requester string, blocking bool) (bool, error)
	Decorate(job *jobregistry.Job)
}

// JobsAPI serves job records and their live snapshots.
type JobsAPI struct {
	Store   jobregistry.Store
	Service JobService
	Hub     *jobhub.Hub
	Logger  *zap.Logger
}

// Routes mounts the API under the caller's prefix.
func (a *JobsAPI) Routes(r chi.Router) {
	r.Get("/", a.list)
	r.Get("/{id}", a.get)
	r.Delete("/{id}", a.cancel)
	r.Get("/{id}/events", a.events)
}

func (a *JobsAPI) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *JobsAPI) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobregistry.ListFilter{InstanceID: strings.TrimSpace(q.Get("instance"))}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequestError("active must be a boolean"))
			return
		}
		filter.ActiveOnly = active
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondWithError(w, r, apperrors.NewBadRequestError("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	jobs, err := a.Store.List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list jobs"))
		return
	}
	for i := range jobs {
		a.Service.Decorate(&jobs[i])
	}
	if jobs == nil {
		jobs = []jobregistry.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *JobsAPI) load(w http.ResponseWriter, r *http.Request) (*jobregistry.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.Get(r.Context(), id)
	if err != nil {
		if jobregistry.IsNotFound(err) {
			respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("job %s not found", id)))
		} else {
			respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "load job"))
		}
		return nil, false
	}
	a.Service.Decorate(job)
	return job, true
}

func (a *JobsAPI) get(w http.ResponseWriter, r *http.Request) {
	if job, ok := a.load(w, r); ok {
		writeJSON(w, http.StatusOK, job)
	}
}

// cancel answers 202 when the cancel was requested, 200 with the final
// record when ?wait=true, and 409 for jobs that already finished.
func (a *JobsAPI) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequestError("wait must be a boolean"))
			return
		}
		wait = b
	}
	user := strings.TrimSpace(r.Header.Get(UserHeader))

	found, err := a.Service.CancelJob(r.Context(), id, user, wait)
	if !found {
		job, ok := a.load(w, r)
		if !ok {
			return
		}
		respondWithError(w, r, apperrors.NewConflictError(fmt.Sprintf("job %s is not running", job.ID)))
		return
	}
	if err != nil {
		a.logger().Warn("Cancel job failed", zap.String("job_id", id), zap.Error(err))
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "cancel job"))
		return
	}

	job, ok := a.load(w, r)
	if !ok {
		return
	}
	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

// events streams job snapshots as server-sent events until the job
// finishes or the client goes away.
func (a *JobsAPI) events(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("job events are not available"))
		return
	}

	// Subscribe before reading the record so the terminal snapshot cannot
	// slip between the two.
	sub := a.Hub.Subscribe(chi.URLParam(r, "id"))
	defer sub.Close()

	job, ok := a.load(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, job); err != nil || job.Finished() {
		return
	}
	// Snapshots queued before the record was loaded are not newer than it.
	sent := job.Revision

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-sub.C():
			if !open {
				return
			}
			if !snap.Finished() && snap.Revision <= sent {
				continue
			}
			sent = snap.Revision
			if err := writeEvent(w, rc, &snap); err != nil {
				a.logger().Debug("Event stream closed", zap.String("job_id", snap.ID), zap.Error(err))
				return
			}
			if snap.Finished() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, job *jobregistry.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: job\ndata: %s\n\n", b); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
