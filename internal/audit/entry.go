package audit

// Kind enumerates the kernel events the audit log records. Raw secret
// values and full raw prompts are never written; entries carry identifiers
// and redacted previews only.
type Kind string

const (
	KindRoute          Kind = "route"
	KindRouteRejected  Kind = "route_rejected"
	KindPhase          Kind = "phase"
	KindPolicyDecision Kind = "policy_decision"
	KindCapability     Kind = "capability_issued"
	KindToolResult     Kind = "tool_result"
	KindApproval       Kind = "approval"
	KindDeclassify     Kind = "declassify"
	KindLink           Kind = "principal_link"
	KindEgress         Kind = "egress"
	KindEgressBlocked  Kind = "egress_blocked"
	KindTaskFinished   Kind = "task_finished"
)

// Entry is one line in the hash-chained JSONL audit log. All fields are
// scalars or fixed structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp   string `json:"ts"`
	Kind        Kind   `json:"kind"`
	TaskID      string `json:"task_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	PrincipalID string `json:"principal,omitempty"`
	TemplateID  string `json:"template,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Capability  string `json:"capability,omitempty"`
	Decision    string `json:"decision,omitempty"`
	PolicyID    string `json:"policy_id,omitempty"`
	Label       string `json:"label,omitempty"`
	Taint       string `json:"taint,omitempty"`
	Sink        string `json:"sink,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ConfigHash  string `json:"config_hash,omitempty"`
	PrevHash    string `json:"prev_hash"`
}
