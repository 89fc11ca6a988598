package cursor

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"
)

// Kind tags how a position is interpreted by the platform.
type Kind string

const (
	// KindID marks last-seen-identifier cursors (forum-style "before" params).
	KindID Kind = "id"
	// KindOffset marks monotonic update-counter cursors (botfeed-style offsets).
	KindOffset Kind = "offset"
)

// Position is one resource's resume point. The payload stays an opaque
// string; Kind tells the fetcher how to put it on the wire.
type Position struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func (p Position) IsZero() bool {
	return p.Value == ""
}

type positions struct {
	Positions map[string]Position `json:"positions"`
}

// Store persists per-resource positions so a restarted adapter resumes from
// the last confirmed cursor instead of the beginning.
type Store struct {
	path string
	mu   sync.RWMutex
	data positions
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: positions{Positions: make(map[string]Position)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &s.data); err != nil {
		return err
	}
	if s.data.Positions == nil {
		s.data.Positions = make(map[string]Position)
	}
	return nil
}

func (s *Store) save() error {
	// Internal save, lock held by caller
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// Get returns the persisted position for a resource; zero when never polled.
func (s *Store) Get(resourceKey string) Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Positions[resourceKey]
}

// Advance records a new position for a resource and persists it.
func (s *Store) Advance(resourceKey string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Positions[resourceKey] = pos
	return s.save()
}

// Reset forgets a resource's position so the next poll starts from the
// beginning of the feed.
func (s *Store) Reset(resourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Positions, resourceKey)
	return s.save()
}

// All returns a copy of every tracked position, for diagnostics.
func (s *Store) All() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.data.Positions))
	for k, v := range s.data.Positions {
		out[k] = v
	}
	return out
}
