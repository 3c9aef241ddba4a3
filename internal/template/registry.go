package template

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/moat-sh/moat/internal/principal"
)

// Registry holds all loaded templates in declaration order.
type Registry struct {
	templates []*Template
}

// file is the on-disk shape of a template config.
type file struct {
	Templates []*Template `yaml:"templates"`
}

// DefaultPath returns the default template config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "moat", "templates.yaml")
	}
	return filepath.Join(home, ".moat", "templates.yaml")
}

// Load reads templates from a YAML file and validates every entry.
// Empty path falls back to the default location; a missing file yields the
// built-in templates.
func Load(path string) (*Registry, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return loadBuiltin()
		}
		return nil, fmt.Errorf("template: read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("template: parse config: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("template: config declares no templates")
	}

	seen := make(map[string]bool, len(f.Templates))
	for _, t := range f.Templates {
		if t.ApprovalTimeout == 0 {
			t.ApprovalTimeout = DefaultApprovalTimeout
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("template: duplicate id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return &Registry{templates: f.Templates}, nil
}

// Match returns the first template bound to (trigger, class), or nil.
// No match means the event is rejected by the router; there is no
// permissive fallback template.
func (r *Registry) Match(trigger Trigger, class principal.Class) *Template {
	for _, t := range r.templates {
		if t.Trigger == trigger && t.PrincipalClass == class {
			return t
		}
	}
	return nil
}

// ByID returns the template with the given id, or nil.
func (r *Registry) ByID(id string) *Template {
	for _, t := range r.templates {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int { return len(r.templates) }
