package process

import "errors"

var (
	// ErrProcessNotFound means the requested process is not running.
	ErrProcessNotFound = errors.New("process not found")

	// ErrOutputNotCaptured is returned by Output for processes launched
	// without output capture or attached to after launch.
	ErrOutputNotCaptured = errors.New("process output was not captured")

	ErrInvalidLaunch = errors.New("invalid launch options")
)

// IsNotFound reports whether err means the process is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound)
}
