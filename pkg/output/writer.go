package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// Writer emits records. Implementations are safe for concurrent use and
// write each record as a single line.
type Writer interface {
	WriteJob(ctx context.Context, job *jobregistry.Job) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline delimited JSON to an io.Writer.
type JSONLWriter struct {
	w     io.Writer
	jobID string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter tags every record with jobID.
func NewJSONLWriter(w io.Writer, jobID string) *JSONLWriter {
	return &JSONLWriter{w: w, jobID: jobID, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *jobregistry.Job) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close stops further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		JobID: jw.jobID,
		Data:  payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
