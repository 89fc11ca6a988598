package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/okanishi/kakehashi/internal/cursor"
	"github.com/okanishi/kakehashi/internal/errors"
)

// Resource declares one upstream resource to keep in sync and which adapter
// owns it.
type Resource struct {
	Key         string   `yaml:"key"`
	Adapter     string   `yaml:"adapter"`
	Path        string   `yaml:"path"`
	ChangeTypes []string `yaml:"change_types"`
	CursorKind  string   `yaml:"cursor_kind"`
}

// Manifest is the declarative list of synchronized resources, loaded once at
// startup.
type Manifest struct {
	Resources []Resource `yaml:"resources"`
}

var knownAdapters = map[string]bool{
	"graph":   true,
	"forum":   true,
	"botfeed": true,
	"slack":   true,
}

// Load reads and validates a manifest file. A missing file is an empty
// manifest, not an error; the daemon can run webhook-only.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Resources))
	for i, r := range m.Resources {
		if r.Key == "" {
			return errors.InvalidInput(fmt.Sprintf("resource %d: key is required", i))
		}
		if seen[r.Key] {
			return errors.InvalidInput("duplicate resource key " + r.Key)
		}
		seen[r.Key] = true

		if !knownAdapters[r.Adapter] {
			return errors.InvalidInput(fmt.Sprintf("resource %s: unknown adapter %q", r.Key, r.Adapter))
		}
		if r.Path == "" {
			return errors.InvalidInput(fmt.Sprintf("resource %s: path is required", r.Key))
		}
		switch r.CursorKind {
		case "", string(cursor.KindID), string(cursor.KindOffset):
		default:
			return errors.InvalidInput(fmt.Sprintf("resource %s: unknown cursor kind %q", r.Key, r.CursorKind))
		}
	}
	return nil
}

// ForAdapter returns the resources owned by one adapter, in manifest order.
func (m *Manifest) ForAdapter(adapter string) []Resource {
	var out []Resource
	for _, r := range m.Resources {
		if r.Adapter == adapter {
			out = append(out, r)
		}
	}
	return out
}
