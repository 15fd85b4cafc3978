//go:build windows

package worker

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both stop paths kill the process.
func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func exitSignal(*os.ProcessState) string {
	return "none"
}
