package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrRuntimeInformationSet is returned when a record's runtime information is
// assigned a second time. Callers treat it as a programming error.
var ErrRuntimeInformationSet = errors.New("runtime information already set")

// RebootState is what the daemon should do at its next world reboot.
type RebootState int

const (
	RebootNormal RebootState = iota
	RebootShutdown
	RebootRestart
)

func (r RebootState) String() string {
	switch r {
	case RebootNormal:
		return "normal"
	case RebootShutdown:
		return "shutdown"
	case RebootRestart:
		return "restart"
	default:
		return fmt.Sprintf("RebootState(%d)", int(r))
	}
}

// Artifact is a compiled deployment the daemon is launched from.
type Artifact struct {
	Directory       string        `json:"directory"`
	DmbName         string        `json:"dmb_name"`
	CompileJobID    string        `json:"compile_job_id"`
	EngineVersion   EngineVersion `json:"engine_version"`
	MinimumSecurity SecurityLevel `json:"minimum_security"`
	// DMAPIVersion is empty when the deployment has no host API support.
	DMAPIVersion string `json:"dmapi_version,omitempty"`
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Directory) == "" {
		return errors.New("artifact directory is required")
	}
	if strings.TrimSpace(a.DmbName) == "" {
		return errors.New("artifact dmb name is required")
	}
	if !a.MinimumSecurity.Valid() {
		return fmt.Errorf("artifact minimum security %d is invalid", int(a.MinimumSecurity))
	}
	return nil
}

// RuntimeInformation is handed to the daemon once it connects back to the
// host. It is rebuilt on every launch and reattach and never persisted.
type RuntimeInformation struct {
	InstanceName    string
	ServerVersion   string
	ServerPort      uint16
	SecurityLevel   SecurityLevel
	Visibility      Visibility
	APIValidateOnly bool
	Artifact        Artifact
	ChatTrackingID  string
}

// setOnce holds a value that may be assigned exactly once.
type setOnce[T any] struct {
	mu  sync.Mutex
	val *T
}

func (s *setOnce[T]) set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.val != nil {
		return false
	}
	s.val = &v
	return true
}

func (s *setOnce[T]) get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.val == nil {
		var zero T
		return zero, false
	}
	return *s.val, true
}

// ReattachRecord is the persisted description of a live daemon, written at
// launch and read back after a host restart.
type ReattachRecord struct {
	AccessIdentifier    string        `json:"access_identifier"`
	ProcessID           int           `json:"process_id"`
	Port                uint16        `json:"port"`
	RebootState         RebootState   `json:"reboot_state"`
	LaunchSecurityLevel SecurityLevel `json:"launch_security_level"`
	LaunchVisibility    Visibility    `json:"launch_visibility"`
	TopicRequestTimeout time.Duration `json:"topic_request_timeout"`

	Dmb        Artifact  `json:"dmb"`
	InitialDmb *Artifact `json:"initial_dmb,omitempty"`

	runtime setOnce[RuntimeInformation]
}

// SetRuntimeInformation fills the runtime slot. A second call fails with
// ErrRuntimeInformationSet and leaves the first value in place.
func (r *ReattachRecord) SetRuntimeInformation(info RuntimeInformation) error {
	if !r.runtime.set(info) {
		return fmt.Errorf("%w: pid %d", ErrRuntimeInformationSet, r.ProcessID)
	}
	return nil
}

// RuntimeInformation returns the runtime slot and whether it has been set.
func (r *ReattachRecord) RuntimeInformation() (RuntimeInformation, bool) {
	return r.runtime.get()
}
