// Package sink models output destinations outside the trust boundary.
// Every sink carries its own security label; data may leave through a
// sink only when the data's label does not exceed the sink's. There is
// no default destination and no "last used" fallback.
package sink

import (
	"context"
	"fmt"
	"sort"

	"github.com/moat-sh/moat/internal/label"
)

// Sink is a single egress destination. Implementations deliver content
// to one channel adapter endpoint and report transport errors only;
// label checks happen in the kernel before Deliver is called.
type Sink interface {
	Name() string
	Label() label.Label
	Deliver(ctx context.Context, principalID, content string) error
}

// Registry is the closed set of sinks the process can write to.
// It is populated at startup and never mutated afterward.
type Registry struct {
	sinks map[string]Sink
}

// NewRegistry builds a registry from the given sinks. Duplicate names
// are a configuration error.
func NewRegistry(sinks ...Sink) (*Registry, error) {
	r := &Registry{sinks: make(map[string]Sink, len(sinks))}
	for _, s := range sinks {
		if s.Name() == "" {
			return nil, fmt.Errorf("sink: sink with empty name")
		}
		if _, dup := r.sinks[s.Name()]; dup {
			return nil, fmt.Errorf("sink: duplicate sink %q", s.Name())
		}
		r.sinks[s.Name()] = s
	}
	return r, nil
}

// Lookup returns the named sink or an error. Unknown names are hard
// failures, never a substitute destination.
func (r *Registry) Lookup(name string) (Sink, error) {
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("sink: unknown sink %q", name)
	}
	return s, nil
}

// Names returns the registered sink names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a delivery callback into a Sink. Channel adapters
// register their reply paths this way.
type Func struct {
	SinkName  string
	SinkLabel label.Label
	Fn        func(ctx context.Context, principalID, content string) error
}

func (f Func) Name() string       { return f.SinkName }
func (f Func) Label() label.Label { return f.SinkLabel }

func (f Func) Deliver(ctx context.Context, principalID, content string) error {
	if f.Fn == nil {
		return fmt.Errorf("sink: %s has no delivery function", f.SinkName)
	}
	return f.Fn(ctx, principalID, content)
}
