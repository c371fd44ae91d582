//go:build !unix

package backend

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Without process groups or SIGTERM, both steps kill the process.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return terminateProcess(cmd)
}
