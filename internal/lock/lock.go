// Package lock enforces the single-instance discipline: one process per
// run mode per data directory. The lock is a pid file; a lock whose
// owner is no longer alive is stale and reclaimed automatically.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Lock is a held pid-file lock.
type Lock struct {
	logger *zap.Logger
	path   string
}

// Acquire takes the lock for the given run mode under dir. A live
// conflicting process makes acquisition fail; the caller should treat
// that as fatal.
func Acquire(logger *zap.Logger, dir, mode string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("perpcore-%s.lock", mode))
	log := logger.Named("lock")

	if pid, ok := readPid(path); ok {
		if processAlive(pid) {
			return nil, fmt.Errorf("another instance (pid %d) holds %s", pid, path)
		}
		log.Warn("Reclaiming stale lock",
			zap.String("path", path),
			zap.Int("stale_pid", pid))
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lock %s appeared concurrently", path)
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock: %w", err)
	}

	log.Debug("Lock acquired", zap.String("path", path))
	return &Lock{logger: log, path: path}, nil
}

// Release removes the lock file. Safe to call once at shutdown.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path reports where the lock file lives.
func (l *Lock) Path() string {
	return l.path
}

func readPid(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
