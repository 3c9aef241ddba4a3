package pipeline

import "errors"

// Task failure causes. Every failed task wraps exactly one of these so
// callers and the audit trail can name why it stopped.
var (
	ErrPolicyViolation   = errors.New("pipeline: policy violation")
	ErrToolFailure       = errors.New("pipeline: tool failure")
	ErrPlanInvalid       = errors.New("pipeline: plan invalid")
	ErrApprovalTimeout   = errors.New("pipeline: timed out awaiting approval")
	ErrApprovalDenied    = errors.New("pipeline: action denied by owner")
	ErrProviderExhausted = errors.New("pipeline: inference providers exhausted")
)
