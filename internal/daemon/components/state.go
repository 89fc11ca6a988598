package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/okanishi/kakehashi/internal/config"
	"github.com/okanishi/kakehashi/internal/cursor"
	"github.com/okanishi/kakehashi/internal/daemon"
	"github.com/okanishi/kakehashi/internal/dedup"
	"github.com/okanishi/kakehashi/internal/store"
)

// StateComponent owns the state directory and the persistent stores living
// in it: the cursor store and the dedup journal.
type StateComponent struct {
	cfg         *config.Config
	stateDir    string
	cursors     *cursor.Store
	dedup       *dedup.Deduplicator
	initialized bool
	mu          sync.RWMutex
}

func NewStateComponent(cfg *config.Config) *StateComponent {
	return &StateComponent{cfg: cfg}
}

func (s *StateComponent) Name() string {
	return "State"
}

func (s *StateComponent) Dependencies() []string {
	return []string{}
}

func (s *StateComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("state init cancelled: %w", ctx.Err())
	default:
	}

	stateDir, err := store.EnsureStateDir(s.cfg.State.Dir)
	if err != nil {
		return err
	}
	s.stateDir = stateDir

	cursors, err := cursor.NewStore(store.CursorsPath(stateDir))
	if err != nil {
		return fmt.Errorf("load cursor store: %w", err)
	}
	s.cursors = cursors

	dedupTTL, err := config.DurationOrDefault(s.cfg.Dedup.TTL, config.DefaultDedupTTL)
	if err != nil {
		return fmt.Errorf("parse dedup ttl: %w", err)
	}
	capacity := s.cfg.Dedup.Capacity
	if capacity <= 0 {
		capacity = config.DefaultDedupCapacity
	}
	dd, err := dedup.New(capacity, dedupTTL, store.DedupPath(stateDir))
	if err != nil {
		return fmt.Errorf("load dedup journal: %w", err)
	}
	s.dedup = dd

	s.initialized = true
	slog.Info("State initialized", "component", s.Name(), "dir", stateDir, "dedup_entries", dd.Len())
	return nil
}

func (s *StateComponent) Start(ctx context.Context) error {
	return nil
}

func (s *StateComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedup != nil {
		if err := s.dedup.Save(); err != nil {
			slog.Error("Failed to persist dedup journal", "error", err)
		}
	}
	return nil
}

func (s *StateComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *StateComponent) StateDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateDir
}

func (s *StateComponent) Cursors() *cursor.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors
}

func (s *StateComponent) Dedup() *dedup.Deduplicator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dedup
}
