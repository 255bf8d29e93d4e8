//go:build !windows

package signals

import (
	"errors"
	"os"
	"syscall"
)

// isProcessAlive probes pid with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as a live daemon.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
