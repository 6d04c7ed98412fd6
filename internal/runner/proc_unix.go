//go:build !windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the whole process group so shells and the
// children they spawned are reached together. The child leads its own
// group, so the group id is its pid and stays valid after the leader has
// been reaped while other members live on.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if syscall.Kill(-pid, sig) == nil {
		return
	}
	_ = cmd.Process.Signal(sig)
}

func terminateProcess(cmd *exec.Cmd) { signalGroup(cmd, syscall.SIGTERM) }

func killProcess(cmd *exec.Cmd) { signalGroup(cmd, syscall.SIGKILL) }

func signalName(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
