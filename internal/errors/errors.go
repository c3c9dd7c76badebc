// Package errors defines the error envelope shared by the HTTP API and the
// CLI.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Codes used in HTTP error envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeJobFailed          = "JOB_FAILED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
	CodeCancelled          = "CANCELLED"
)

// ErrorBody is the payload of an HTTP error response, flattened from a
// gofulmen ErrorEnvelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// HTTPErrorResponse is the JSON document written for every API error.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	out := *e
	out.Details = details
	return &out
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

func NewBadRequestError(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func NewMethodNotAllowedError(method, path string) *AppError {
	return &AppError{
		Code:    CodeMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed for %s", method, path),
		Status:  http.StatusMethodNotAllowed,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Message: message, Status: http.StatusServiceUnavailable}
}

func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Message: message, Status: http.StatusBadGateway}
}

// WrapInternal wraps err as a 500. A cancelled ctx is reported as such
// instead.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && stderrors.Is(ctx.Err(), context.Canceled) {
		return &AppError{Code: CodeCancelled, Message: message, Status: http.StatusServiceUnavailable, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
}

// Envelope converts e into a gofulmen error envelope. Server errors are
// marked high severity.
func (e *AppError) Envelope() *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message).WithDetails(e.Details)
	severity := gferrors.SeverityLow
	if e.Status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}
	env, _ = env.WithSeverity(severity)
	return env
}

// RespondWithError writes err as an HTTPErrorResponse. Errors that are not
// an AppError become INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = &AppError{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
	}

	env := appErr.Envelope()
	if r != nil {
		env = env.WithCorrelationID(chimw.GetReqID(r.Context())).WithPath(r.URL.Path)
	}
	WriteEnvelope(w, appErr.Status, env)
}

// WriteEnvelope writes env with status as JSON. The envelope context is
// merged into details, and the correlation id is reported as request_id.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Path:      env.Path,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
	}
	if len(env.Details) > 0 || len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		maps.Copy(body.Details, env.Context)
		maps.Copy(body.Details, env.Details)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
