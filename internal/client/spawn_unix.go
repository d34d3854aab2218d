//go:build unix

package client

import (
	"os"
	"os/exec"
	"syscall"
)

// spawnDetached starts bin in its own session with no stdio, so it
// outlives the calling CLI.
func spawnDetached(bin string, env []string) error {
	cmd := exec.Command(bin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
