package jobregistry

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of recognized job failure codes.
//
// NOTE: numeric values are persisted and must not be renumbered.
type ErrorCode uint32

const (
	ErrorCodeDaemonPortInUse          ErrorCode = 101
	ErrorCodeDaemonPagerRunning       ErrorCode = 102
	ErrorCodeDaemonLaunchFailure      ErrorCode = 103
	ErrorCodeEngineDirectXInstallFail ErrorCode = 201
	ErrorCodeEngineFirewallFail       ErrorCode = 202
	ErrorCodeEngineLockFailure        ErrorCode = 203
	ErrorCodeJobStoreFailure          ErrorCode = 301
)

var errorCodeMessages = map[ErrorCode]string{
	ErrorCodeDaemonPortInUse:          "the daemon port is already in use",
	ErrorCodeDaemonPagerRunning:       "another daemon pager is running under the same user",
	ErrorCodeDaemonLaunchFailure:      "the daemon process failed to launch",
	ErrorCodeEngineDirectXInstallFail: "the DirectX runtime installation failed",
	ErrorCodeEngineFirewallFail:       "adding the engine firewall exception failed",
	ErrorCodeEngineLockFailure:        "the engine executables could not be locked",
	ErrorCodeJobStoreFailure:          "the job store rejected the operation",
}

// Message returns the default human readable message for the code.
func (c ErrorCode) Message() string {
	if msg, ok := errorCodeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("error code %d", uint32(c))
}

// Valid reports whether c belongs to the taxonomy.
func (c ErrorCode) Valid() bool {
	_, ok := errorCodeMessages[c]
	return ok
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%d", uint32(c))
}

// JobError is a recognized job failure. Its code and message are surfaced to
// users verbatim.
type JobError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewJobError builds a JobError using the code's default message.
func NewJobError(code ErrorCode, err error) *JobError {
	return &JobError{Code: code, Message: code.Message(), Err: err}
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job error %d: %s", uint32(e.Code), e.Details())
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Details renders the diagnostic text persisted with the job.
func (e *JobError) Details() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Message == "":
		return e.Code.Message()
	case e.Err != nil:
		return fmt.Sprintf("%s (inner: %v)", e.Message, e.Err)
	default:
		return e.Message
	}
}

// AsJobError extracts a JobError from err's chain.
func AsJobError(err error) (*JobError, bool) {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return jerr, true
	}
	return nil, false
}

// HasCode reports whether err carries a JobError with the given code.
func HasCode(err error, code ErrorCode) bool {
	jerr, ok := AsJobError(err)
	return ok && jerr.Code == code
}

var (
	// ErrJobNotFound is returned by stores when no record exists for an id.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyFinished is returned when a second terminal write is attempted.
	ErrAlreadyFinished = errors.New("job already finished")
)

// IsNotFound reports whether err indicates a missing job record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
