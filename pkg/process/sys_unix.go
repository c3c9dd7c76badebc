//go:build unix

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	niceHigher = -5
	niceLower  = 10
)

func setPriority(pid int, higher bool) error {
	nice := niceLower
	if higher {
		nice = niceHigher
	}
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func terminateSignal(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}

// detach puts the child in its own process group so terminal signals sent to
// the host do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
