package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/moat-sh/moat/internal/inference"
	"github.com/moat-sh/moat/internal/template"
	"github.com/moat-sh/moat/internal/tool"
)

// Step is one planned tool call.
type Step struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Plan is the ordered list of steps the planner proposed. It is the
// planner's only output; anything else in the response is discarded.
type Plan struct {
	Steps []Step `json:"steps"`
}

// ParsePlan decodes the planner's response. The planner must return a
// JSON object with a steps array; anything else invalidates the whole
// proposal.
func ParsePlan(raw string) (Plan, error) {
	raw = inference.CleanJSON(raw)

	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Plan{}, fmt.Errorf("%w: not valid plan JSON: %v", ErrPlanInvalid, err)
	}
	return p, nil
}

// ValidatePlan checks every step against the template and the tool
// registry before any step runs. A single bad step discards the entire
// plan; there is no partial trust in a proposal that strayed outside
// its ceiling.
func ValidatePlan(p Plan, tmpl *template.Template, tools *tool.Registry) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: empty plan", ErrPlanInvalid)
	}
	if len(p.Steps) > tmpl.MaxToolInvocations {
		return fmt.Errorf("%w: %d steps exceeds template limit %d", ErrPlanInvalid, len(p.Steps), tmpl.MaxToolInvocations)
	}
	for i, step := range p.Steps {
		if !tmpl.PermitsTool(step.Tool) {
			return fmt.Errorf("%w: step %d tool %q not permitted by template %s", ErrPlanInvalid, i, step.Tool, tmpl.ID)
		}
		t, ok := tools.Lookup(step.Tool)
		if !ok {
			return fmt.Errorf("%w: step %d tool %q not registered", ErrPlanInvalid, i, step.Tool)
		}
		if err := t.Manifest().ValidateArgs(step.Args); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrPlanInvalid, i, err)
		}
	}
	return nil
}
