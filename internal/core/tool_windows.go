//go:build windows

package core

import (
	"os/exec"
	"time"
)

// Windows has no process groups in the unix sense; rely on the default
// context cancellation kill plus the wait delay.
func configureProcessGroup(cmd *exec.Cmd) (stop func()) {
	cmd.WaitDelay = 5 * time.Second
	return func() {}
}
