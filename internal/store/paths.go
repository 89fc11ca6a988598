package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// State file names under the state directory. One JSON file per concern so a
// corrupt file loses only that concern's state.
const (
	cursorsFile       = "cursors.json"
	subscriptionsFile = "subscriptions.json"
	dedupFile         = "dedup.json"
	lockFile          = "instance.lock"
)

// ResolveStateDir resolves the configured state directory, expanding env
// vars and "~/" shortcuts. Empty falls back to ~/.kakehashi/state.
func ResolveStateDir(configured string) (string, error) {
	trimmed := strings.TrimSpace(configured)
	if trimmed == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		return filepath.Join(home, ".kakehashi", "state"), nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if expanded == "~" {
			expanded = home
		} else {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~/"))
		}
	}
	return filepath.Clean(expanded), nil
}

// EnsureStateDir resolves and creates the state directory.
func EnsureStateDir(configured string) (string, error) {
	dir, err := ResolveStateDir(configured)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

func CursorsPath(stateDir string) string { return filepath.Join(stateDir, cursorsFile) }

// SubscriptionsPath returns the snapshot path for one adapter's
// subscriptions.
func SubscriptionsPath(stateDir, adapter string) string {
	return filepath.Join(stateDir, adapter+"-"+subscriptionsFile)
}

func DedupPath(stateDir string) string { return filepath.Join(stateDir, dedupFile) }

func LockPath(stateDir string) string { return filepath.Join(stateDir, lockFile) }
