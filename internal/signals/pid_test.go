package signals

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "steamboost.pid")

	if err := WritePIDFile(pidPath, 12345); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}

	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 12345 {
		t.Fatalf("pid=%d, want 12345", pid)
	}

	if err := RemovePIDFile(pidPath); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
	if err := RemovePIDFile(pidPath); err != nil {
		t.Fatalf("RemovePIDFile on missing file: %v", err)
	}
}

func TestReadPIDFile_Malformed(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "steamboost.pid")
	if err := os.WriteFile(pidPath, []byte("not-a-pid\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(pidPath); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
	if _, alive := RunningPID(pidPath); alive {
		t.Fatal("malformed pid file should not report a running daemon")
	}
}

func TestDefaultPIDFilePathUsesHome(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("STEAMBOOST_HOME", tmpDir)

	got := DefaultPIDFilePath()
	want := filepath.Join(tmpDir, "steamboost.pid")
	if got != want {
		t.Fatalf("DefaultPIDFilePath=%q, want %q", got, want)
	}
}

func TestAcquirePIDFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "nested", "steamboost.pid")

	if err := AcquirePIDFile(pidPath); err != nil {
		t.Fatalf("AcquirePIDFile: %v", err)
	}
	pid, alive := RunningPID(pidPath)
	if !alive || pid != os.Getpid() {
		t.Fatalf("RunningPID=(%d,%v), want (%d,true)", pid, alive, os.Getpid())
	}

	// Re-acquiring from the owning process succeeds.
	if err := AcquirePIDFile(pidPath); err != nil {
		t.Fatalf("AcquirePIDFile again: %v", err)
	}
}

func TestAcquirePIDFile_StaleFileReplaced(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "steamboost.pid")
	// Larger than any default pid_max, so never alive.
	if err := WritePIDFile(pidPath, 1<<30); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePIDFile(pidPath); err != nil {
		t.Fatalf("AcquirePIDFile over stale file: %v", err)
	}
	pid, _ := ReadPIDFile(pidPath)
	if pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}
}

func TestAcquirePIDFile_LiveOwner(t *testing.T) {
	if os.Getppid() <= 1 {
		t.Skip("no live parent process to stand in for another daemon")
	}
	pidPath := filepath.Join(t.TempDir(), "steamboost.pid")
	if err := WritePIDFile(pidPath, os.Getppid()); err != nil {
		t.Fatal(err)
	}
	err := AcquirePIDFile(pidPath)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("AcquirePIDFile err=%v, want ErrAlreadyRunning", err)
	}
}
