//go:build !unix

package worker

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Without process groups only the direct child can be stopped.
func terminate(cmd *exec.Cmd) { kill(cmd) }

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
