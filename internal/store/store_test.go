package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveStateDirDefault(t *testing.T) {
	dir, err := ResolveStateDir("")
	if err != nil {
		t.Fatalf("ResolveStateDir failed: %v", err)
	}
	if !strings.HasSuffix(dir, filepath.Join(".kakehashi", "state")) {
		t.Errorf("Default state dir should end in .kakehashi/state, got %s", dir)
	}
}

func TestResolveStateDirExpandsHome(t *testing.T) {
	dir, err := ResolveStateDir("~/custom/state")
	if err != nil {
		t.Fatalf("ResolveStateDir failed: %v", err)
	}
	home, _ := os.UserHomeDir()
	if dir != filepath.Join(home, "custom", "state") {
		t.Errorf("Tilde not expanded, got %s", dir)
	}
}

func TestResolveStateDirExpandsEnv(t *testing.T) {
	t.Setenv("KAKEHASHI_TEST_BASE", t.TempDir())
	dir, err := ResolveStateDir("$KAKEHASHI_TEST_BASE/state")
	if err != nil {
		t.Fatalf("ResolveStateDir failed: %v", err)
	}
	if !strings.HasPrefix(dir, os.Getenv("KAKEHASHI_TEST_BASE")) {
		t.Errorf("Env var not expanded, got %s", dir)
	}
}

func TestEnsureStateDirCreates(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "state")
	dir, err := EnsureStateDir(target)
	if err != nil {
		t.Fatalf("EnsureStateDir failed: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("State dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("State path is not a directory")
	}
}

func TestStateFilePaths(t *testing.T) {
	dir := "/tmp/state"
	if got := CursorsPath(dir); got != "/tmp/state/cursors.json" {
		t.Errorf("CursorsPath = %s", got)
	}
	if got := SubscriptionsPath(dir, "graph"); got != "/tmp/state/graph-subscriptions.json" {
		t.Errorf("SubscriptionsPath = %s", got)
	}
	if got := DedupPath(dir); got != "/tmp/state/dedup.json" {
		t.Errorf("DedupPath = %s", got)
	}
}

func TestInstanceLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireInstanceLock(dir, DefaultInstanceLockConfig())
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	defer first.Release()

	if !first.IsLocked() {
		t.Error("First lock should report held")
	}

	_, err = AcquireInstanceLock(dir, InstanceLockConfig{Retry: 10 * time.Millisecond, MaxRetry: 2})
	if err == nil {
		t.Fatal("Second acquire should fail while first is held")
	}
}

func TestInstanceLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireInstanceLock(dir, DefaultInstanceLockConfig())
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	first.Release()

	if first.IsLocked() {
		t.Error("Lock should report released")
	}
	first.Release() // second release is a no-op

	second, err := AcquireInstanceLock(dir, DefaultInstanceLockConfig())
	if err != nil {
		t.Fatalf("Reacquire after release failed: %v", err)
	}
	second.Release()
}

func TestCleanupStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := LockPath(dir)
	if err := os.WriteFile(lockPath, nil, 0o600); err != nil {
		t.Fatalf("Write lock file: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := CleanupStaleLock(dir, time.Hour); err != nil {
		t.Fatalf("CleanupStaleLock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("Stale lock file should be removed")
	}

	// Missing file is fine.
	if err := CleanupStaleLock(dir, time.Hour); err != nil {
		t.Errorf("CleanupStaleLock on missing file: %v", err)
	}
}
