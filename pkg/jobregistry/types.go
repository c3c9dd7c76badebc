package jobregistry

import "time"

// SystemUser is recorded as the starter or canceller of a job when no user
// reference was supplied.
const SystemUser = "sessiond"

// Job is the persistent record of a tracked background operation.
//
// A Job is written twice: once at registration and once, exactly once, when the
// operation finishes. Only CancelledBy may change between those two writes.
type Job struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	InstanceID  string `json:"instance_id"`

	StartedBy   string  `json:"started_by"`
	CancelledBy *string `json:"cancelled_by,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Cancelled bool       `json:"cancelled"`

	// Progress, Stage and Revision are live mirrors; stores do not persist
	// them. Revision increases with every live update of the job.
	Progress *int    `json:"progress,omitempty"`
	Stage    *string `json:"stage,omitempty"`
	Revision uint64  `json:"revision,omitempty"`

	ErrorCode        *ErrorCode `json:"error_code,omitempty"`
	ExceptionDetails *string    `json:"exception_details,omitempty"`
}

// Finished reports whether the terminal write has happened.
func (j *Job) Finished() bool {
	return j.StoppedAt != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j Job) Clone() Job {
	out := j
	out.CancelledBy = clonePtr(j.CancelledBy)
	out.StoppedAt = clonePtr(j.StoppedAt)
	out.Progress = clonePtr(j.Progress)
	out.Stage = clonePtr(j.Stage)
	out.ErrorCode = clonePtr(j.ErrorCode)
	out.ExceptionDetails = clonePtr(j.ExceptionDetails)
	return out
}

// Termination carries the fields set by the single terminal write.
type Termination struct {
	StoppedAt        time.Time
	Cancelled        bool
	ErrorCode        *ErrorCode
	ExceptionDetails *string
}

func (t Termination) apply(j *Job) {
	stopped := t.StoppedAt.UTC()
	j.StoppedAt = &stopped
	j.Cancelled = t.Cancelled
	j.ErrorCode = clonePtr(t.ErrorCode)
	j.ExceptionDetails = clonePtr(t.ExceptionDetails)
}

// ListFilter narrows Store.List.
type ListFilter struct {
	ActiveOnly bool
	InstanceID string
	Limit      int
}

func (f ListFilter) match(j *Job) bool {
	if f.ActiveOnly && j.Finished() {
		return false
	}
	if f.InstanceID != "" && j.InstanceID != f.InstanceID {
		return false
	}
	return true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
