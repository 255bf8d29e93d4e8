//go:build !windows

package signals

import (
	"fmt"
	"os"
	"syscall"
)

// New starts a Handler for SIGHUP (reload), SIGUSR1 (dump) and
// SIGINT/SIGTERM (shutdown).
func New() (*Handler, error) {
	return newHandler(syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM), nil
}

func classify(sig os.Signal) action {
	switch sig {
	case syscall.SIGHUP:
		return actionReload
	case syscall.SIGUSR1:
		return actionDump
	case syscall.SIGINT, syscall.SIGTERM:
		return actionShutdown
	default:
		return actionNone
	}
}

// SendHUP asks the daemon with the given pid to reload its config.
func SendHUP(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}
