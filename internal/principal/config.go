package principal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// configEntry is the on-disk shape of one principal.
type configEntry struct {
	ID        string   `yaml:"id"`
	Class     Class    `yaml:"class"`
	Channel   string   `yaml:"channel"`
	LinkedIDs []string `yaml:"linked_ids,omitempty"`
}

type configFile struct {
	Principals []configEntry `yaml:"principals"`
}

// DefaultPath returns the default principals config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat", "principals.yaml")
	}
	return filepath.Join(home, ".moat", "principals.yaml")
}

// LoadRegistry reads principals from a YAML file. A missing file yields
// an empty registry, which rejects every inbound event. That is the
// safe default for an unconfigured host.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(nil), nil
		}
		return nil, fmt.Errorf("principal: read config: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("principal: parse config: %w", err)
	}

	principals := make(map[string]*Principal, len(f.Principals))
	owners := 0
	for _, e := range f.Principals {
		if e.ID == "" {
			return nil, fmt.Errorf("principal: entry with empty id")
		}
		if !IsValidClass(e.Class) {
			return nil, fmt.Errorf("principal: %s has unknown class %q", e.ID, e.Class)
		}
		if _, dup := principals[e.ID]; dup {
			return nil, fmt.Errorf("principal: duplicate id %q", e.ID)
		}
		if e.Class == Owner {
			owners++
		}
		principals[e.ID] = &Principal{
			ID:        e.ID,
			Class:     e.Class,
			Channel:   e.Channel,
			CreatedAt: time.Now(),
			LinkedIDs: e.LinkedIDs,
		}
	}
	if owners > 1 {
		return nil, fmt.Errorf("principal: %d owners declared, expected at most one", owners)
	}
	return NewRegistry(principals), nil
}

// SaveRegistry writes the registry back to its YAML file. Used after
// owner-approved mutations such as Link.
func SaveRegistry(path string, r *Registry) error {
	if path == "" {
		path = DefaultPath()
	}
	var f configFile
	for _, p := range r.List() {
		f.Principals = append(f.Principals, configEntry{
			ID:        p.ID,
			Class:     p.Class,
			Channel:   p.Channel,
			LinkedIDs: p.LinkedIDs,
		})
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("principal: marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("principal: write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("principal: replace config: %w", err)
	}
	return nil
}
