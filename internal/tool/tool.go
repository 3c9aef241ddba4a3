// Package tool defines the closed contract between the kernel and tool
// implementations. Tools are looked up in a fixed registry by validated
// name, never dispatched by reflection, and receive only what the
// pipeline resolved for them: a validated capability, typed arguments,
// scoped credential material, and a scoped network client. A tool never
// sees the vault and never assigns its own output label.
package tool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/moat-sh/moat/internal/capability"
	"github.com/moat-sh/moat/internal/policy"
)

// FieldType classifies one argument in a tool manifest. Everything except
// TypeText is structured: enumerable, non-prose, unable to smuggle an
// instruction payload. The taint gate keys off this distinction.
type FieldType string

const (
	TypeText      FieldType = "text" // free text, gated under Extracted taint
	TypeEnum      FieldType = "enum"
	TypeInt       FieldType = "int"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeID        FieldType = "id"
)

// validFieldTypes is the set of recognized manifest field types.
var validFieldTypes = map[FieldType]bool{
	TypeText:      true,
	TypeEnum:      true,
	TypeInt:       true,
	TypeBool:      true,
	TypeTimestamp: true,
	TypeID:        true,
}

// ArgSpec describes one argument a tool accepts.
type ArgSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Enum     []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Manifest is a tool's fixed capability declaration, registered at startup.
type Manifest struct {
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description" json:"description"`
	Semantics   policy.ToolSemantics `yaml:"semantics" json:"semantics"`
	Args        []ArgSpec            `yaml:"args" json:"args"`

	// IdempotentRetry declares that a second identical invocation is safe,
	// entitling the tool's capability tokens to one retry.
	IdempotentRetry bool `yaml:"idempotent_retry" json:"idempotent_retry"`

	// Window is the expected execution time of one invocation; capability
	// expiry and the invocation context timeout derive from it.
	Window time.Duration `yaml:"window" json:"window"`
}

// Validate checks the manifest is well formed.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("tool: manifest requires a name")
	}
	if m.Semantics != policy.ReadSemantics && m.Semantics != policy.WriteSemantics {
		return fmt.Errorf("tool %s: unknown semantics %q", m.Name, m.Semantics)
	}
	seen := make(map[string]bool, len(m.Args))
	for _, a := range m.Args {
		if !validFieldTypes[a.Type] {
			return fmt.Errorf("tool %s: arg %s has unknown type %q", m.Name, a.Name, a.Type)
		}
		if a.Type == TypeEnum && len(a.Enum) == 0 {
			return fmt.Errorf("tool %s: enum arg %s declares no values", m.Name, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("tool %s: duplicate arg %s", m.Name, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// ValidateArgs checks provided arguments against the manifest: no unknown
// names, all required present, enum values in range. Unknown arguments are
// a hard rejection, not ignored. An unmodeled field is an unmodeled risk.
func (m Manifest) ValidateArgs(args map[string]any) error {
	specs := make(map[string]ArgSpec, len(m.Args))
	for _, a := range m.Args {
		specs[a.Name] = a
	}
	for name := range args {
		if _, ok := specs[name]; !ok {
			return fmt.Errorf("tool %s: unknown argument %q", m.Name, name)
		}
	}
	for _, a := range m.Args {
		v, present := args[a.Name]
		if !present {
			if a.Required {
				return fmt.Errorf("tool %s: missing required argument %q", m.Name, a.Name)
			}
			continue
		}
		if a.Type == TypeEnum {
			s, ok := v.(string)
			if !ok || !contains(a.Enum, s) {
				return fmt.Errorf("tool %s: argument %q is not one of %v", m.Name, a.Name, a.Enum)
			}
		}
	}
	return nil
}

// HasFreeText reports whether any provided argument is declared free text.
// Arguments absent from the manifest count as free text; fail closed.
func (m Manifest) HasFreeText(args map[string]any) bool {
	specs := make(map[string]FieldType, len(m.Args))
	for _, a := range m.Args {
		specs[a.Name] = a.Type
	}
	for name := range args {
		t, ok := specs[name]
		if !ok || t == TypeText {
			return true
		}
	}
	return false
}

// ScopedCredential is the narrow, tool-usable material the kernel resolves
// from the vault on a tool's behalf. It carries no vault reference.
type ScopedCredential struct {
	Material string
	Scope    string
}

// Invocation is everything a tool receives for one call.
type Invocation struct {
	Capability *capability.Token
	Args       map[string]any
	Credential ScopedCredential
	Client     *http.Client
}

// Result is what a tool returns. Tools never return a label; the kernel
// decides the output label through the per-tool ceiling.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Tool is the fixed capability contract every integration implements.
type Tool interface {
	Manifest() Manifest
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
