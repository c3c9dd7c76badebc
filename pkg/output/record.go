// Package output writes job updates as JSONL.
//
// Every line is a Record envelope with a typed payload, so a consumer can
// parse lines independently and dispatch on Type.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope types. They follow sessiond.<type>.v<version>.
const (
	TypeJob     = "sessiond.job.v1"
	TypeError   = "sessiond.error.v1"
	TypeSummary = "sessiond.summary.v1"
)

// Record is the envelope of one JSONL line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	// JobID correlates every line of one watch.
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// ErrorRecord reports a failure while following a job.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeStream      = "STREAM"
)

// SummaryRecord closes a watch.
type SummaryRecord struct {
	Updates    int    `json:"updates"`
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	// Finished is false when the stream ended before the job did.
	Finished bool `json:"finished"`
}

var ErrWriterClosed = errors.New("output writer closed")

// WriteError wraps a marshal or write failure with the step that failed.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
