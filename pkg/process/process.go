package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ExitCodeUnknown is reported for processes whose exit status cannot be
// observed, such as processes attached to rather than launched.
const ExitCodeUnknown = -1

const livenessPollInterval = 250 * time.Millisecond

// Process is a handle to one OS process, launched or attached.
type Process struct {
	pid    int
	logger *zap.Logger

	cmd     *exec.Cmd
	capture *outputCapture

	handleOnce sync.Once
	handle     *gopsproc.Process
	handleErr  error

	exited   chan struct{}
	exitCode int
	waitErr  error

	stopWatch func()
	closeOnce sync.Once
}

func newLaunchedProcess(cmd *exec.Cmd, capture *outputCapture, logger *zap.Logger) *Process {
	p := &Process{
		pid:     cmd.Process.Pid,
		logger:  logger,
		cmd:     cmd,
		capture: capture,
		exited:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.exitCode = ExitCodeUnknown
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		close(p.exited)
	}()
	return p
}

func newAttachedProcess(handle *gopsproc.Process, logger *zap.Logger) *Process {
	p := &Process{
		pid:      int(handle.Pid),
		logger:   logger,
		handle:   handle,
		exited:   make(chan struct{}),
		exitCode: ExitCodeUnknown,
	}
	p.handleOnce.Do(func() {})
	p.stopWatch = p.watchLiveness()
	return p
}

// watchLiveness polls an attached process until it is gone. The returned
// func stops the poller and waits for it.
func (p *Process) watchLiveness() func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(livenessPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), livenessPollInterval)
				running, err := p.handle.IsRunningWithContext(ctx)
				cancel()
				if err == nil && running {
					continue
				}
				close(p.exited)
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

// ID returns the OS process id.
func (p *Process) ID() int {
	return p.pid
}

// Attached reports whether the process was attached to rather than launched.
func (p *Process) Attached() bool {
	return p.cmd == nil
}

// Exited is closed once the process is known to have exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Lifetime waits for the process to exit and returns its exit code, or
// ExitCodeUnknown when it cannot be observed.
func (p *Process) Lifetime(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		if p.waitErr != nil {
			return ExitCodeUnknown, p.waitErr
		}
		return p.exitCode, nil
	case <-ctx.Done():
		return ExitCodeUnknown, ctx.Err()
	}
}

// Terminate kills the process. Killing a process that already exited is not
// an error.
func (p *Process) Terminate() error {
	p.logger.Debug("Terminating process")
	var err error
	if p.cmd != nil {
		err = p.cmd.Process.Kill()
	} else {
		err = p.handle.Kill()
	}
	if err != nil && !p.gone(err) {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	return nil
}

// signalStop asks the process to exit gracefully.
func (p *Process) signalStop() error {
	var err error
	if p.cmd != nil {
		err = terminateSignal(p.cmd.Process)
	} else {
		err = p.handle.Terminate()
	}
	if err != nil && !p.gone(err) {
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	return nil
}

func (p *Process) gone(err error) bool {
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, gopsproc.ErrorProcessNotRunning) {
		return true
	}
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Output waits for output capture to finish and returns the buffered text.
// Output redirected to a file yields an empty string.
func (p *Process) Output(ctx context.Context) (string, error) {
	if p.capture == nil {
		return "", ErrOutputNotCaptured
	}
	return p.capture.wait(ctx)
}

func (p *Process) inspect() (*gopsproc.Process, error) {
	p.handleOnce.Do(func() {
		p.handle, p.handleErr = gopsproc.NewProcess(int32(p.pid))
	})
	return p.handle, p.handleErr
}

// Username returns the owner of the process.
func (p *Process) Username(ctx context.Context) (string, error) {
	h, err := p.inspect()
	if err != nil {
		return "", fmt.Errorf("inspect pid %d: %w", p.pid, err)
	}
	name, err := h.UsernameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("username of pid %d: %w", p.pid, err)
	}
	return name, nil
}

// Name returns the executable name of the process.
func (p *Process) Name(ctx context.Context) (string, error) {
	h, err := p.inspect()
	if err != nil {
		return "", fmt.Errorf("inspect pid %d: %w", p.pid, err)
	}
	return h.NameWithContext(ctx)
}

// AdjustPriority raises or lowers the scheduling priority of the process.
func (p *Process) AdjustPriority(higher bool) error {
	if err := setPriority(p.pid, higher); err != nil {
		p.logger.Warn("Unable to adjust process priority", zap.Bool("higher", higher), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the handle. A launched process keeps running; its output
// capture is interrupted and ends with TruncationMarker.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.stopWatch != nil {
			p.stopWatch()
		}
		if p.capture != nil {
			select {
			case <-p.capture.done:
			default:
				p.capture.interrupt()
				<-p.capture.done
			}
		}
	})
	return nil
}
