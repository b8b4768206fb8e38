//go:build !unix

package runtime

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func terminatingSignal(state *os.ProcessState) (int, bool) {
	return 0, false
}
