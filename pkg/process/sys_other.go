//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setPriority(int, bool) error {
	return errors.New("priority adjustment is not supported on this platform")
}

func terminateSignal(p *os.Process) error {
	return p.Kill()
}

func detach(*exec.Cmd) {}
