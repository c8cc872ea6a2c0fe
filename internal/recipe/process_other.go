//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package recipe

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) {
	terminateGroup(cmd)
}

func signalExitCode(*exec.ExitError) (int, bool) {
	return 0, false
}
