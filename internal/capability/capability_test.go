package capability

import (
	"errors"
	"testing"
	"time"

	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/policy"
)

func TestIssueAndRedeemOnce(t *testing.T) {
	iss := NewIssuer()
	tok, err := iss.Issue(Request{
		TaskID:          "task-1",
		Tool:            "email_send",
		Scope:           "mailto:owner@example.com",
		ArgTaint:        label.NewClean("owner:cli"),
		TemplatePermits: true,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := iss.Redeem(tok, "email_send", "task-1"); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if err := iss.Redeem(tok, "email_send", "task-1"); !errors.Is(err, policy.ErrCapabilityExhausted) {
		t.Errorf("expected exhaustion on second use, got %v", err)
	}
}

// A token minted without the template's verdict fails closed at
// redemption, whatever else about it is valid.
func TestRedeemRequiresTemplateVerdict(t *testing.T) {
	iss := NewIssuer()
	tok, _ := iss.Issue(Request{TaskID: "task-1", Tool: "email_send"})

	if err := iss.Redeem(tok, "email_send", "task-1"); !errors.Is(err, policy.ErrCapabilityMismatch) {
		t.Errorf("expected template rejection, got %v", err)
	}
}

func TestRedeemRejectsOtherToolAndTask(t *testing.T) {
	iss := NewIssuer()
	tok, _ := iss.Issue(Request{TaskID: "task-1", Tool: "email_send", TemplatePermits: true})

	if err := iss.Redeem(tok, "web_fetch", "task-1"); !errors.Is(err, policy.ErrCapabilityMismatch) {
		t.Errorf("expected tool mismatch, got %v", err)
	}
	if err := iss.Redeem(tok, "email_send", "task-2"); !errors.Is(err, policy.ErrCapabilityMismatch) {
		t.Errorf("expected task mismatch, got %v", err)
	}
	// A failed redemption must not consume the token.
	if err := iss.Redeem(tok, "email_send", "task-1"); err != nil {
		t.Errorf("valid redemption after failed attempts: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss := NewIssuerAt(func() time.Time { return clock })

	tok, _ := iss.Issue(Request{TaskID: "task-1", Tool: "web_fetch", Window: 10 * time.Second, TemplatePermits: true})

	clock = clock.Add(10*time.Second + ExpiryMargin + time.Second)
	if err := iss.Redeem(tok, "web_fetch", "task-1"); !errors.Is(err, policy.ErrCapabilityExpired) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestIdempotentRetryGetsTwoInvocations(t *testing.T) {
	iss := NewIssuer()
	tok, _ := iss.Issue(Request{TaskID: "task-1", Tool: "calendar_read", IdempotentRetry: true, TemplatePermits: true})

	if err := iss.Redeem(tok, "calendar_read", "task-1"); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if err := iss.Redeem(tok, "calendar_read", "task-1"); err != nil {
		t.Fatalf("idempotent retry: %v", err)
	}
	if err := iss.Redeem(tok, "calendar_read", "task-1"); !errors.Is(err, policy.ErrCapabilityExhausted) {
		t.Errorf("expected exhaustion on third use, got %v", err)
	}
}

func TestForeignTokenRejected(t *testing.T) {
	issA := NewIssuer()
	issB := NewIssuer()
	tok, _ := issA.Issue(Request{TaskID: "task-1", Tool: "email_send", TemplatePermits: true})

	if err := issB.Redeem(tok, "email_send", "task-1"); !errors.Is(err, policy.ErrCapabilityMismatch) {
		t.Errorf("expected foreign token rejection, got %v", err)
	}
}

func TestReleaseTaskInvalidatesTokens(t *testing.T) {
	iss := NewIssuer()
	tok, _ := iss.Issue(Request{TaskID: "task-1", Tool: "email_send", TemplatePermits: true})
	iss.ReleaseTask("task-1")

	if err := iss.Redeem(tok, "email_send", "task-1"); !errors.Is(err, policy.ErrCapabilityMismatch) {
		t.Errorf("expected released token rejection, got %v", err)
	}
}
