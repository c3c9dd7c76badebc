// Package process launches and supervises OS processes.
//
// Launches hold the read side of a shared LaunchLock so maintenance actions
// run under LaunchLock.WithExclusivity never overlap a launch.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// LaunchOptions describe a process to start.
type LaunchOptions struct {
	Path string
	Dir  string
	Args []string
	Env  []string

	// CaptureOutput merges stdout and stderr line by line. The merged output
	// goes to OutputPath when set, otherwise to memory for Process.Output.
	CaptureOutput bool
	OutputPath    string

	// Detached starts the process in its own process group.
	Detached bool
}

// Executor creates Process handles.
type Executor struct {
	lock   *LaunchLock
	logger *zap.Logger
}

func NewExecutor(lock *LaunchLock, logger *zap.Logger) *Executor {
	if lock == nil {
		lock = NewLaunchLock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{lock: lock, logger: logger}
}

// Lock returns the launch lock shared by this executor.
func (e *Executor) Lock() *LaunchLock {
	return e.lock
}

// Launch starts a process. Every resource acquired before a failure is
// released before the error is returned.
func (e *Executor) Launch(ctx context.Context, opts LaunchOptions) (_ *Process, err error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidLaunch)
	}
	if opts.OutputPath != "" && !opts.CaptureOutput {
		return nil, fmt.Errorf("%w: output path requires output capture", ErrInvalidLaunch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.logger.Debug("Launching process",
		zap.String("dir", opts.Dir),
		zap.String("path", opts.Path),
		zap.Strings("args", opts.Args))

	// The process outlives ctx; it is not bound with CommandContext.
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.Detached {
		detach(cmd)
	}

	var release []func()
	defer func() {
		if err != nil {
			for i := len(release) - 1; i >= 0; i-- {
				release[i]()
			}
		}
	}()

	var (
		readers []*os.File
		writers []*os.File
		outFile *os.File
	)
	if opts.CaptureOutput {
		for range 2 {
			r, w, perr := os.Pipe()
			if perr != nil {
				return nil, fmt.Errorf("create output pipe: %w", perr)
			}
			readers = append(readers, r)
			writers = append(writers, w)
			release = append(release, func() {
				_ = r.Close()
				_ = w.Close()
			})
		}
		cmd.Stdout = writers[0]
		cmd.Stderr = writers[1]

		outFile, err = openCaptureFile(opts.OutputPath)
		if err != nil {
			return nil, err
		}
		if outFile != nil {
			f := outFile
			release = append(release, func() { _ = f.Close() })
		}
	}

	if err := e.lock.launch(cmd.Start); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Path, err)
	}

	// The child holds its own copies of the write ends.
	for _, w := range writers {
		_ = w.Close()
	}

	logger := e.logger.With(zap.Int("pid", cmd.Process.Pid))
	var capture *outputCapture
	if opts.CaptureOutput {
		capture = startCapture(logger, outFile, readers...)
	}
	return newLaunchedProcess(cmd, capture, logger), nil
}

// Attach wraps a running process. It returns ErrProcessNotFound when pid
// does not refer to a live process.
func (e *Executor) Attach(ctx context.Context, pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	exists, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}

	handle, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return nil, fmt.Errorf("attach pid %d: %w", pid, err)
	}

	e.logger.Debug("Attached to process", zap.Int("pid", pid))
	return newAttachedProcess(handle, e.logger.With(zap.Int("pid", pid))), nil
}

// AttachByName attaches to the first running process whose executable name
// matches pattern (a doublestar glob; a plain name matches exactly).
func (e *Executor) AttachByName(ctx context.Context, pattern string) (*Process, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid process name pattern %q", pattern)
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			e.logger.Debug("Found process by name", zap.String("name", name), zap.Int32("pid", proc.Pid))
			return newAttachedProcess(proc, e.logger.With(zap.Int32("pid", proc.Pid))), nil
		}
	}
	return nil, fmt.Errorf("%w: no process named %q", ErrProcessNotFound, pattern)
}

// AttachToSelf returns a handle to the current process.
func (e *Executor) AttachToSelf(ctx context.Context) (*Process, error) {
	return e.Attach(ctx, os.Getpid())
}

// Stop asks p to exit and kills it if it is still running after grace.
func (e *Executor) Stop(ctx context.Context, p *Process, grace time.Duration) error {
	if err := p.signalStop(); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Exited():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	e.logger.Warn("Process did not exit in time; killing", zap.Int("pid", p.ID()), zap.Duration("grace", grace))
	if err := p.Terminate(); err != nil {
		return err
	}
	select {
	case <-p.Exited():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
