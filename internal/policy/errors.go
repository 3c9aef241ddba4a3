package policy

import "errors"

// Policy violations are always fatal to the step that triggered them and
// are never retried automatically. The pipeline is the only place that
// decides whether a violation fails the task or pauses it for approval.
var (
	ErrReadUp              = errors.New("read above subject clearance")
	ErrWriteDown           = errors.New("write below data label")
	ErrCapabilityMismatch  = errors.New("capability mismatch")
	ErrCapabilityExpired   = errors.New("capability expired")
	ErrCapabilityExhausted = errors.New("capability invocations exhausted")
)
