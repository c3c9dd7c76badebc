package session

import (
	"context"

	"github.com/3leaps/sessiond/pkg/process"
)

// EngineLock pins one installed engine version while a daemon uses it.
type EngineLock interface {
	DaemonPath() string
	Version() EngineVersion
	Close() error
}

// EngineManager hands out engine locks. trustedDmbPath is empty when the
// caller does not need a firewall or trust exception for the deployment.
type EngineManager interface {
	UseExecutables(ctx context.Context, version EngineVersion, trustedDmbPath string) (EngineLock, error)
}

// ChatTrackingContext follows the chat channels a daemon is told about.
type ChatTrackingContext interface {
	ID() string
	Close() error
}

type ChatManager interface {
	CreateTrackingContext() ChatTrackingContext
}

// EventConsumer receives lifecycle events such as EventDaemonLaunch.
type EventConsumer interface {
	HandleEvent(ctx context.Context, event string, params []string) error
}

// NetworkPromptReaper dismisses network prompts raised by daemons that
// cannot run headless.
type NetworkPromptReaper interface {
	RegisterProcess(p *process.Process)
}

// EventDaemonLaunch is raised with the new pid after a non-validation launch.
const EventDaemonLaunch = "daemon_launch"

type nopChat struct{}

func (nopChat) CreateTrackingContext() ChatTrackingContext { return nopTracking{} }

type nopTracking struct{}

func (nopTracking) ID() string   { return "" }
func (nopTracking) Close() error { return nil }

type nopEvents struct{}

func (nopEvents) HandleEvent(context.Context, string, []string) error { return nil }

type nopReaper struct{}

func (nopReaper) RegisterProcess(*process.Process) {}
