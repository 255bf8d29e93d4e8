//go:build windows

package signals

import (
	"errors"
	"os"
)

// New starts a Handler. Only interrupts are delivered on Windows.
func New() (*Handler, error) {
	return newHandler(os.Interrupt), nil
}

func classify(sig os.Signal) action {
	if sig == os.Interrupt {
		return actionShutdown
	}
	return actionNone
}

// SendHUP is not supported on Windows.
func SendHUP(pid int) error {
	return errors.New("reload signals are not supported on windows")
}
