//go:build !windows

package state

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM means the process exists
// under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
