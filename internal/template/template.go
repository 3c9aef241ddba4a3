// Package template loads the static capability ceilings every task runs
// under. Templates are keyed by (trigger, principal class), loaded once at
// startup, and immutable for the lifetime of a task. No agent-selected
// code path can modify one.
package template

import (
	"fmt"
	"time"

	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/principal"
)

// Trigger is the kind of inbound event a template binds to.
type Trigger string

const (
	TriggerMessage  Trigger = "message"
	TriggerWebhook  Trigger = "webhook"
	TriggerSchedule Trigger = "schedule"
)

// validTriggers is the set of recognized trigger types.
var validTriggers = map[Trigger]bool{
	TriggerMessage:  true,
	TriggerWebhook:  true,
	TriggerSchedule: true,
}

// PhaseBudgets caps inference token spend per pipeline phase.
type PhaseBudgets struct {
	Extract    int `yaml:"extract"`
	Plan       int `yaml:"plan"`
	Synthesize int `yaml:"synthesize"`
}

// Template is one capability ceiling. Allowed and denied tool sets are
// both present: deny wins over allow, so a misconfigured allow entry
// cannot reopen a tool the operator explicitly shut.
type Template struct {
	ID             string          `yaml:"id"`
	Trigger        Trigger         `yaml:"trigger"`
	PrincipalClass principal.Class `yaml:"principal_class"`

	AllowedTools       []string     `yaml:"allowed_tools"`
	DeniedTools        []string     `yaml:"denied_tools"`
	MaxToolInvocations int          `yaml:"max_tool_invocations"`
	TokenBudgets       PhaseBudgets `yaml:"token_budgets"`
	Sinks              []string     `yaml:"sinks"`
	DataCeiling        label.Label  `yaml:"data_ceiling"`

	// ApprovalTimeout bounds how long a task suspended on a taint-gated
	// action waits before failing with an approval-timeout status.
	// Templates that omit it get DefaultApprovalTimeout.
	ApprovalTimeout Duration `yaml:"approval_timeout"`
}

// DefaultApprovalTimeout applies when a template names no timeout. A
// zero timeout would expire every suspension on arrival.
const DefaultApprovalTimeout = Duration(15 * time.Minute)

// Duration wraps time.Duration so templates can spell timeouts as "30m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("template: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML serializes the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Validate checks a template is well formed.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template: missing id")
	}
	if !validTriggers[t.Trigger] {
		return fmt.Errorf("template %s: unknown trigger %q", t.ID, t.Trigger)
	}
	if !principal.IsValidClass(t.PrincipalClass) {
		return fmt.Errorf("template %s: unknown principal class %q", t.ID, t.PrincipalClass)
	}
	if t.MaxToolInvocations <= 0 {
		return fmt.Errorf("template %s: max_tool_invocations must be positive", t.ID)
	}
	if len(t.Sinks) == 0 {
		return fmt.Errorf("template %s: at least one sink must be named explicitly", t.ID)
	}
	if t.ApprovalTimeout < 0 {
		return fmt.Errorf("template %s: approval_timeout must not be negative", t.ID)
	}
	for _, allowed := range t.AllowedTools {
		for _, denied := range t.DeniedTools {
			if allowed == denied {
				return fmt.Errorf("template %s: tool %q both allowed and denied", t.ID, allowed)
			}
		}
	}
	return nil
}

// PermitsTool reports whether the template allows the named tool.
// Deny always wins; an empty allow list permits nothing.
func (t *Template) PermitsTool(name string) bool {
	for _, d := range t.DeniedTools {
		if d == name {
			return false
		}
	}
	for _, a := range t.AllowedTools {
		if a == name {
			return true
		}
	}
	return false
}

// PermitsSink reports whether the named sink is an explicitly permitted
// output destination. There is no default destination.
func (t *Template) PermitsSink(name string) bool {
	for _, s := range t.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
