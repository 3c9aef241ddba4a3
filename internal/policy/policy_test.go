package policy

import (
	"errors"
	"testing"

	"github.com/moat-sh/moat/internal/label"
)

var allLabels = []label.Label{label.Public, label.Internal, label.Sensitive, label.Regulated, label.Secret}

func TestCheckReadNoReadUp(t *testing.T) {
	for _, subject := range allLabels {
		for _, object := range allLabels {
			got := CheckRead(subject, object)
			want := subject >= object
			if got != want {
				t.Errorf("CheckRead(%s, %s) = %v, want %v", subject, object, got, want)
			}
		}
	}
}

func TestCheckWriteNoWriteDown(t *testing.T) {
	if CheckWrite(label.Secret, label.Internal) {
		t.Error("secret data must not flow to an internal sink")
	}
	if !CheckWrite(label.Internal, label.Secret) {
		t.Error("internal data may flow to a secret sink")
	}
	if !CheckWrite(label.Sensitive, label.Sensitive) {
		t.Error("equal labels must be writable")
	}
}

func TestPropagateLabelIsMax(t *testing.T) {
	got := PropagateLabel([]label.Label{label.Public, label.Regulated, label.Internal})
	if got != label.Regulated {
		t.Errorf("expected regulated, got %s", got)
	}
	if PropagateLabel(nil) != label.Public {
		t.Error("empty input propagates as public")
	}
}

func TestApplyLabelCeilingNeverLowers(t *testing.T) {
	cfg := DefaultConfig()
	// Tool self-reports public; configured ceiling for email_read is sensitive.
	if got := ApplyLabelCeiling(cfg, "email_read", label.Public); got != label.Sensitive {
		t.Errorf("expected ceiling to raise label to sensitive, got %s", got)
	}
	// Tool self-reports above its ceiling: report wins.
	if got := ApplyLabelCeiling(cfg, "email_read", label.Secret); got != label.Secret {
		t.Errorf("ceiling lowered a self-reported label to %s", got)
	}
	// Unknown tool gets the default ceiling.
	if got := ApplyLabelCeiling(cfg, "unknown_tool", label.Public); got != cfg.DefaultToolCeiling {
		t.Errorf("expected default ceiling, got %s", got)
	}
}

func TestRawWriteNeverAutoApproved(t *testing.T) {
	raw := label.NewRaw("webhook:gh")
	for _, freeText := range []bool{true, false} {
		res := CheckTaint(WriteSemantics, raw, freeText)
		if res.Decision != RequiresApproval {
			t.Errorf("raw write (freeText=%v) auto-approved: %s", freeText, res.PolicyID)
		}
	}
}

func TestExtractedStructuredAutoApproved(t *testing.T) {
	extracted := label.NewRaw("telegram:41").Extract("intent_classifier")

	res := CheckTaint(WriteSemantics, extracted, false)
	if res.Decision != AutoApproved {
		t.Errorf("extracted structured write gated: %s", res.Reason)
	}

	res = CheckTaint(WriteSemantics, extracted, true)
	if res.Decision != RequiresApproval {
		t.Error("extracted write with free-text arg must be gated")
	}
}

func TestCleanAlwaysAutoApproved(t *testing.T) {
	clean := label.NewClean("owner:cli")
	for _, freeText := range []bool{true, false} {
		res := CheckTaint(WriteSemantics, clean, freeText)
		if res.Decision != AutoApproved {
			t.Errorf("clean write (freeText=%v) gated: %s", freeText, res.Reason)
		}
	}
}

func TestReadSemanticsNeverTaintGated(t *testing.T) {
	res := CheckTaint(ReadSemantics, label.NewRaw("email:7"), true)
	if res.Decision != AutoApproved {
		t.Error("read-semantics calls must not be taint gated")
	}
}

func TestCheckCapability(t *testing.T) {
	facts := CapabilityFacts{Tool: "email_send", TaskID: "task-1", InvocationsLeft: 1, TemplatePermits: true}

	if err := CheckCapability(facts, "email_send", "task-1"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := CheckCapability(facts, "web_fetch", "task-1"); !errors.Is(err, ErrCapabilityMismatch) {
		t.Errorf("expected tool mismatch, got %v", err)
	}
	if err := CheckCapability(facts, "email_send", "task-2"); !errors.Is(err, ErrCapabilityMismatch) {
		t.Errorf("expected task mismatch, got %v", err)
	}

	facts.Expired = true
	if err := CheckCapability(facts, "email_send", "task-1"); !errors.Is(err, ErrCapabilityExpired) {
		t.Errorf("expected expiry error, got %v", err)
	}

	facts.Expired = false
	facts.InvocationsLeft = 0
	if err := CheckCapability(facts, "email_send", "task-1"); !errors.Is(err, ErrCapabilityExhausted) {
		t.Errorf("expected exhaustion error, got %v", err)
	}

	facts.InvocationsLeft = 1
	facts.TemplatePermits = false
	if err := CheckCapability(facts, "email_send", "task-1"); !errors.Is(err, ErrCapabilityMismatch) {
		t.Errorf("expected template rejection, got %v", err)
	}
}

// FuzzNoWriteDown asserts no payload with label > sink label ever passes
// the egress check, across random label/sink pairs.
func FuzzNoWriteDown(f *testing.F) {
	f.Add(4, 0)
	f.Add(1, 3)
	f.Fuzz(func(t *testing.T, data, sink int) {
		d := label.Label(((data % 5) + 5) % 5)
		s := label.Label(((sink % 5) + 5) % 5)
		if d > s && CheckWrite(d, s) {
			t.Errorf("CheckWrite(%s, %s) permitted a write down", d, s)
		}
		if d <= s && !CheckWrite(d, s) {
			t.Errorf("CheckWrite(%s, %s) rejected a legal write", d, s)
		}
	})
}

func BenchmarkCheckTaint(b *testing.B) {
	extracted := label.NewRaw("telegram:41").Extract("intent_classifier")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CheckTaint(WriteSemantics, extracted, false)
	}
}
