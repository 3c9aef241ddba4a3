package tool

import (
	"context"
	"testing"

	"github.com/moat-sh/moat/internal/policy"
)

func sendManifest() Manifest {
	return Manifest{
		Name:      "email_send",
		Semantics: policy.WriteSemantics,
		Args: []ArgSpec{
			{Name: "to", Type: TypeID, Required: true},
			{Name: "template", Type: TypeEnum, Enum: []string{"ack", "decline"}, Required: true},
			{Name: "body", Type: TypeText},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	if err := sendManifest().Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	bad := sendManifest()
	bad.Semantics = "execute"
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown semantics to fail")
	}

	bad = sendManifest()
	bad.Args = append(bad.Args, ArgSpec{Name: "mode", Type: TypeEnum})
	if err := bad.Validate(); err == nil {
		t.Error("expected empty enum to fail")
	}
}

func TestValidateArgsRejectsUnknown(t *testing.T) {
	m := sendManifest()
	err := m.ValidateArgs(map[string]any{
		"to":       "owner@example.com",
		"template": "ack",
		"payload":  "x",
	})
	if err == nil {
		t.Error("expected unknown argument to be rejected")
	}
}

func TestValidateArgsRequiredAndEnum(t *testing.T) {
	m := sendManifest()
	if err := m.ValidateArgs(map[string]any{"to": "a@b.c"}); err == nil {
		t.Error("expected missing required template to fail")
	}
	if err := m.ValidateArgs(map[string]any{"to": "a@b.c", "template": "forward"}); err == nil {
		t.Error("expected out-of-range enum to fail")
	}
	if err := m.ValidateArgs(map[string]any{"to": "a@b.c", "template": "ack"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
}

func TestHasFreeTextFailsClosed(t *testing.T) {
	m := sendManifest()
	if m.HasFreeText(map[string]any{"to": "a@b.c", "template": "ack"}) {
		t.Error("structured-only args flagged as free text")
	}
	if !m.HasFreeText(map[string]any{"to": "a@b.c", "body": "hello"}) {
		t.Error("text arg not flagged")
	}
	// Unmodeled argument counts as free text.
	if !m.HasFreeText(map[string]any{"mystery": 1}) {
		t.Error("unknown arg must count as free text")
	}
}

type staticTool struct{ m Manifest }

func (s staticTool) Manifest() Manifest { return s.m }
func (s staticTool) Execute(context.Context, Invocation) (Result, error) {
	return Result{Success: true}, nil
}

func TestRegistryClosedSet(t *testing.T) {
	a := staticTool{m: Manifest{Name: "calendar_read", Semantics: policy.ReadSemantics}}
	b := staticTool{m: Manifest{Name: "email_send", Semantics: policy.WriteSemantics}}

	r, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Lookup("calendar_read"); !ok {
		t.Error("registered tool not found")
	}
	if _, ok := r.Lookup("shell_exec"); ok {
		t.Error("unregistered tool resolved")
	}

	if _, err := NewRegistry(a, a); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
