package store

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// InstanceLock guards the state directory so only one daemon mutates the
// cursor and subscription files at a time.
type InstanceLock struct {
	fileLock   *flock.Flock
	lockPath   string
	acquiredAt time.Time
	mu         sync.Mutex
}

type InstanceLockConfig struct {
	Retry    time.Duration
	MaxRetry int
}

func DefaultInstanceLockConfig() InstanceLockConfig {
	return InstanceLockConfig{
		Retry:    200 * time.Millisecond,
		MaxRetry: 10,
	}
}

// AcquireInstanceLock takes the state-dir lock, retrying briefly so a
// restarting daemon does not race its predecessor's shutdown.
func AcquireInstanceLock(stateDir string, cfg InstanceLockConfig) (*InstanceLock, error) {
	if cfg.Retry <= 0 || cfg.MaxRetry <= 0 {
		cfg = DefaultInstanceLockConfig()
	}

	lockPath := LockPath(stateDir)
	fileLock := flock.New(lockPath)

	for i := 0; i < cfg.MaxRetry; i++ {
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("attempt state lock: %w", err)
		}
		if locked {
			il := &InstanceLock{
				fileLock:   fileLock,
				lockPath:   lockPath,
				acquiredAt: time.Now(),
			}
			slog.Info("State lock acquired", "path", lockPath)
			return il, nil
		}
		if i < cfg.MaxRetry-1 {
			time.Sleep(cfg.Retry)
		}
	}

	return nil, fmt.Errorf("state dir %s is locked by another instance", stateDir)
}

func (il *InstanceLock) Release() {
	il.mu.Lock()
	defer il.mu.Unlock()

	if il.fileLock == nil {
		return
	}

	if err := il.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release state lock", "path", il.lockPath, "error", err)
	} else {
		slog.Info("State lock released",
			"path", il.lockPath,
			"held_duration_ms", time.Since(il.acquiredAt).Milliseconds())
	}
	il.fileLock = nil
}

func (il *InstanceLock) IsLocked() bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.fileLock != nil
}

// CleanupStaleLock removes a lock file older than maxAge. A crashed daemon
// releases the flock at the OS level, but the file's age still signals that
// nothing has touched the state dir in a long time.
func CleanupStaleLock(stateDir string, maxAge time.Duration) error {
	lockPath := LockPath(stateDir)
	info, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if age := time.Since(info.ModTime()); age > maxAge {
		slog.Warn("Removing stale state lock", "path", lockPath, "age", age)
		if err := os.Remove(lockPath); err != nil {
			return err
		}
	}
	return nil
}
