package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when a live daemon owns
// the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// DefaultPIDFilePath returns $STEAMBOOST_HOME/steamboost.pid, falling back
// to ~/.steamboost/steamboost.pid.
func DefaultPIDFilePath() string {
	if home := os.Getenv("STEAMBOOST_HOME"); home != "" {
		return filepath.Join(home, "steamboost.pid")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".steamboost", "steamboost.pid")
	}
	return filepath.Join(homeDir, ".steamboost", "steamboost.pid")
}

// WritePIDFile writes pid to path, creating the parent directory.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePIDFile deletes path. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RunningPID reports the pid recorded at path if that process is alive.
func RunningPID(path string) (int, bool) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessAlive(pid)
}

// AcquirePIDFile records the current process at path. A stale file left by
// a dead process is replaced.
func AcquirePIDFile(path string) error {
	if pid, alive := RunningPID(path); alive && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
	}
	return WritePIDFile(path, os.Getpid())
}
