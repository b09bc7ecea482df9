package merchant

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticDirectory serves settings from memory, typically loaded from a YAML file.
type StaticDirectory struct {
	mu        sync.RWMutex
	merchants map[string]Settings
}

type fileFormat struct {
	Merchants []Settings `yaml:"merchants"`
}

// NewStaticDirectory validates and indexes the given settings.
func NewStaticDirectory(list ...Settings) (*StaticDirectory, error) {
	d := &StaticDirectory{merchants: make(map[string]Settings, len(list))}
	for _, s := range list {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := d.merchants[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSettings, s.ID)
		}
		d.merchants[s.ID] = s
	}
	return d, nil
}

// LoadFile reads a YAML document of the form `merchants: [...]`.
func LoadFile(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("merchant: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML settings.
func Parse(raw []byte) (*StaticDirectory, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return NewStaticDirectory(doc.Merchants...)
}

// Get implements Directory.
func (d *StaticDirectory) Get(ctx context.Context, merchantID string) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.merchants[merchantID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return s, nil
}

// Put inserts or replaces settings.
func (d *StaticDirectory) Put(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merchants[s.ID] = s
	return nil
}

// All returns every merchant ordered by id.
func (d *StaticDirectory) All() []Settings {
	d.mu.RLock()
	out := make([]Settings, 0, len(d.merchants))
	for _, s := range d.merchants {
		out = append(out, s)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
