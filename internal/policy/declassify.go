package policy

import (
	"fmt"
	"time"

	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/principal"
)

// DeclassifyEvent is the audit record of one explicit label decrease.
// Labels never decrease implicitly; this operation is the single path.
type DeclassifyEvent struct {
	From       label.Label `json:"from"`
	To         label.Label `json:"to"`
	Reason     string      `json:"reason"`
	ApprovedBy string      `json:"approved_by"`
	At         time.Time   `json:"at"`
}

// Declassify authorizes lowering a label. Owner-only; callers record the
// returned event in the audit log before using the lowered label.
func Declassify(from, to label.Label, reason string, approver *principal.Principal) (DeclassifyEvent, error) {
	if approver == nil || approver.Class != principal.Owner {
		return DeclassifyEvent{}, fmt.Errorf("policy: declassification requires the owner principal")
	}
	if to >= from {
		return DeclassifyEvent{}, fmt.Errorf("policy: declassification must lower the label (%s -> %s)", from, to)
	}
	if reason == "" {
		return DeclassifyEvent{}, fmt.Errorf("policy: declassification requires a reason")
	}
	return DeclassifyEvent{
		From:       from,
		To:         to,
		Reason:     reason,
		ApprovedBy: approver.ID,
		At:         time.Now().UTC(),
	}, nil
}
