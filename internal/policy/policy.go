// Package policy implements the kernel's mandatory-access-control decision
// functions. Every function here is pure: decisions depend only on the
// arguments and the loaded config, never on hidden state, so they are safe
// to call from any number of concurrent tasks without locking.
package policy

import (
	"fmt"

	"github.com/moat-sh/moat/internal/label"
)

// Decision is a policy enforcement outcome.
type Decision string

const (
	AutoApproved     Decision = "auto_approved"
	RequiresApproval Decision = "requires_approval"
)

// TaintResult is the outcome of the graduated taint gate.
type TaintResult struct {
	Decision Decision
	Reason   string
	PolicyID string
}

// CheckRead enforces No Read Up: a subject may read an object only if the
// subject's clearance is at or above the object's label. A violation is a
// read failure, never a silent truncation.
func CheckRead(subject, object label.Label) bool {
	return subject >= object
}

// CheckWrite enforces No Write Down: data may flow to a sink only if the
// sink's label is at or above the data's label.
func CheckWrite(data, sink label.Label) bool {
	return data <= sink
}

// PropagateLabel returns the label of a value combined from several
// labeled inputs.
//
// INVARIANT: the result never compares less than any input.
func PropagateLabel(inputs []label.Label) label.Label {
	out := label.Public
	for _, in := range inputs {
		out = label.Max(out, in)
	}
	return out
}

// ApplyLabelCeiling overrides a tool's self-reported output label with the
// centrally configured per-tool ceiling. A tool is never trusted to
// self-attest a lower sensitivity than policy dictates; the kernel always
// takes the max of the two.
func ApplyLabelCeiling(cfg *Config, toolName string, reported label.Label) label.Label {
	if cfg == nil {
		return reported
	}
	ceiling, ok := cfg.ToolCeilings[toolName]
	if !ok {
		ceiling = cfg.DefaultToolCeiling
	}
	return label.Max(reported, ceiling)
}

// ToolSemantics distinguishes calls that can cause external side effects
// from ones that cannot.
type ToolSemantics string

const (
	ReadSemantics  ToolSemantics = "read"
	WriteSemantics ToolSemantics = "write"
)

// CheckTaint applies the graduated taint rule to one planned tool call.
//
//	taint      | structured args only | any free-text arg
//	-----------+----------------------+-------------------
//	raw        | requires approval    | requires approval
//	extracted  | auto-approved        | requires approval
//	clean      | auto-approved        | auto-approved
//
// The gate applies only to write-semantics calls; reads cannot cause
// external side effects and pass unconditionally.
func CheckTaint(semantics ToolSemantics, argTaint label.Taint, hasFreeTextArg bool) TaintResult {
	if semantics != WriteSemantics {
		return TaintResult{Decision: AutoApproved, PolicyID: "taint.read_semantics"}
	}

	switch argTaint.Level {
	case label.Raw:
		return TaintResult{
			Decision: RequiresApproval,
			Reason:   fmt.Sprintf("raw content from %s reaches a write-capable tool", argTaint.Origin),
			PolicyID: "taint.raw_write",
		}
	case label.Extracted:
		if hasFreeTextArg {
			return TaintResult{
				Decision: RequiresApproval,
				Reason:   "extracted lineage still carries a free-text argument",
				PolicyID: "taint.extracted_free_text",
			}
		}
		return TaintResult{Decision: AutoApproved, PolicyID: "taint.extracted_structured"}
	case label.Clean:
		return TaintResult{Decision: AutoApproved, PolicyID: "taint.clean"}
	default:
		// Unknown taint level fails closed.
		return TaintResult{
			Decision: RequiresApproval,
			Reason:   fmt.Sprintf("unrecognized taint level %d", argTaint.Level),
			PolicyID: "taint.unknown_level",
		}
	}
}

// CapabilityFacts is the snapshot of a capability token the engine checks.
// The capability package produces it; tokens themselves never cross into
// policy code.
type CapabilityFacts struct {
	Tool            string
	TaskID          string
	Expired         bool
	InvocationsLeft int

	// TemplatePermits is the task template's verdict on the tool,
	// captured at mint time. Zero value fails closed.
	TemplatePermits bool
}

// CheckCapability verifies one token snapshot against a requested action.
// Plan validation already enforced the template's allow/deny lists; this
// check is the last-line revalidation at use time.
func CheckCapability(facts CapabilityFacts, requestedTool, taskID string) error {
	if facts.Tool != requestedTool {
		return fmt.Errorf("policy: %w: token minted for %q, requested %q", ErrCapabilityMismatch, facts.Tool, requestedTool)
	}
	if !facts.TemplatePermits {
		return fmt.Errorf("policy: %w: template does not permit %q", ErrCapabilityMismatch, facts.Tool)
	}
	if facts.TaskID != taskID {
		return fmt.Errorf("policy: %w: token belongs to task %q, presented by %q", ErrCapabilityMismatch, facts.TaskID, taskID)
	}
	if facts.Expired {
		return fmt.Errorf("policy: %w: token for %q expired", ErrCapabilityExpired, facts.Tool)
	}
	if facts.InvocationsLeft <= 0 {
		return fmt.Errorf("policy: %w: token for %q has no invocations left", ErrCapabilityExhausted, facts.Tool)
	}
	return nil
}
