package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestAcquireWritesOwnPid(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(zap.NewNop(), dir, "paper")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != fmt.Sprint(os.Getpid()) {
		t.Errorf("lock pid = %s, want %d", got, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("lock file still present after Release")
	}
}

func TestAcquireConflictsWithLiveOwner(t *testing.T) {
	dir := t.TempDir()

	// Our own pid is alive by definition.
	if _, err := Acquire(zap.NewNop(), dir, "paper"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := Acquire(zap.NewNop(), dir, "paper"); err == nil {
		t.Fatal("second Acquire should conflict")
	}

	// A different mode uses a different lock file.
	if _, err := Acquire(zap.NewNop(), dir, "testnet"); err != nil {
		t.Errorf("different mode should not conflict: %v", err)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perpcore-paper.lock")

	// Large pid that cannot belong to a live process on this host.
	if err := os.WriteFile(path, []byte("4194304999\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	l, err := Acquire(zap.NewNop(), dir, "paper")
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()

	raw, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(raw)); got != fmt.Sprint(os.Getpid()) {
		t.Errorf("lock pid = %s, want current pid", got)
	}
}

func TestAcquireTreatsGarbageAsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perpcore-paper.lock")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	// Unparseable pid means the owner cannot be verified alive; the
	// first create fails on O_EXCL, so the stale path must handle it.
	if _, err := Acquire(zap.NewNop(), dir, "paper"); err == nil {
		t.Fatal("garbage lock without a pid should conflict, not be silently stolen")
	}
}
