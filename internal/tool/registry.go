package tool

import "fmt"

// Registry is the closed set of tools the kernel can dispatch to.
// Built once at startup; lookups are read-only afterwards.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools, validating every
// manifest. Duplicate names are an error, not a silent override.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		m := t.Manifest()
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tools[m.Name]; dup {
			return nil, fmt.Errorf("tool: duplicate registration of %q", m.Name)
		}
		r.tools[m.Name] = t
	}
	return r, nil
}

// Lookup returns the tool registered under the validated name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names (for diagnostics).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}
