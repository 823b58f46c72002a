//go:build unix

package core

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a canceled process group gets to exit after SIGTERM
// before the whole group is SIGKILLed. Shortened in tests.
var killGrace = 5 * time.Second

// configureProcessGroup puts the child in its own process group so a timeout
// terminates the whole process tree, not just the immediate child. On
// cancellation the group first gets SIGTERM; anything still alive after the
// grace period gets a group SIGKILL, which cannot be ignored or trapped. The
// returned stop function disarms the escalation once the process has been
// reaped.
func configureProcessGroup(cmd *exec.Cmd) (stop func()) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var mu sync.Mutex
	var killTimer *time.Timer
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pid := cmd.Process.Pid
		mu.Lock()
		killTimer = time.AfterFunc(killGrace, func() {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
		mu.Unlock()
		return syscall.Kill(-pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace + time.Second

	return func() {
		mu.Lock()
		if killTimer != nil {
			killTimer.Stop()
		}
		mu.Unlock()
	}
}
