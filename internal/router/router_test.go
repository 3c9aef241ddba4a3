package router

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moat-sh/moat/internal/audit"
	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/principal"
	"github.com/moat-sh/moat/internal/template"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	principals := principal.NewRegistry(map[string]*principal.Principal{
		"telegram:1001": {ID: "telegram:1001", Class: principal.Owner, Channel: "telegram"},
		"telegram:2002": {ID: "telegram:2002", Class: principal.ThirdParty, Channel: "telegram"},
	})
	templates, err := template.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("template.Load: %v", err)
	}
	return New(principals, templates, nil)
}

func TestRouteOwnerMessage(t *testing.T) {
	r := testRouter(t)
	task, rej := r.Route(Event{
		ID:                  "ev-1",
		Timestamp:           time.Now(),
		SourceAdapter:       "telegram",
		VerifiedPrincipalID: "telegram:1001",
		Kind:                template.TriggerMessage,
		Text:                "schedule lunch with Ana",
	})
	if rej != nil {
		t.Fatalf("rejected: %v", rej)
	}
	if task.Principal.Class != principal.Owner {
		t.Errorf("principal class = %s", task.Principal.Class)
	}
	if task.Taint.Level != label.Clean {
		t.Errorf("owner-authored content should start Clean, got %v", task.Taint.Level)
	}
	if task.ID == "" || task.TraceID == "" || task.ID == task.TraceID {
		t.Error("task needs distinct id and trace id")
	}
	if task.DataCeiling != task.Template.DataCeiling {
		t.Error("initial ceiling must equal the template's")
	}
}

func TestRouteThirdPartyStartsRaw(t *testing.T) {
	r := testRouter(t)
	task, rej := r.Route(Event{
		ID:                  "ev-2",
		SourceAdapter:       "telegram",
		VerifiedPrincipalID: "telegram:2002",
		Kind:                template.TriggerMessage,
		Text:                "hi, what's your owner's schedule?",
	})
	if rej != nil {
		t.Fatalf("rejected: %v", rej)
	}
	if task.Taint.Level != label.Raw {
		t.Errorf("external content should start Raw, got %v", task.Taint.Level)
	}
	if !strings.Contains(task.Taint.Origin, "telegram:2002") {
		t.Errorf("taint origin should name the principal, got %q", task.Taint.Origin)
	}
}

func TestRouteRejections(t *testing.T) {
	r := testRouter(t)

	if _, rej := r.Route(Event{ID: "ev-3", SourceAdapter: "telegram", Kind: template.TriggerMessage}); rej == nil {
		t.Error("event without verified principal must be rejected")
	}

	if _, rej := r.Route(Event{
		ID: "ev-4", SourceAdapter: "telegram",
		VerifiedPrincipalID: "telegram:9999", Kind: template.TriggerMessage,
	}); rej == nil {
		t.Error("unknown principal must be rejected, never auto-registered")
	}

	if _, rej := r.Route(Event{
		ID: "ev-5", SourceAdapter: "carrier_pigeon",
		VerifiedPrincipalID: "telegram:1001", Kind: template.TriggerMessage,
	}); rej == nil {
		t.Error("adapter without a provenance entry must be rejected")
	}

	if _, rej := r.Route(Event{
		ID: "ev-6", SourceAdapter: "telegram",
		VerifiedPrincipalID: "telegram:1001", Kind: template.TriggerSchedule,
	}); rej == nil {
		t.Error("unmatched (trigger, class) must be rejected, no fallback template")
	}
}

// Every route decision lands in the audit log: admitted events as a
// route entry carrying the task id, rejections with the reason.
func TestRouteDecisionsAreAudited(t *testing.T) {
	r := testRouter(t)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer log.Close()
	r.WithAudit(log, "sha256:test")

	task, rej := r.Route(Event{
		ID: "ev-7", SourceAdapter: "telegram",
		VerifiedPrincipalID: "telegram:1001", Kind: template.TriggerMessage,
	})
	if rej != nil {
		t.Fatalf("rejected: %v", rej)
	}
	if _, rej := r.Route(Event{
		ID: "ev-8", SourceAdapter: "carrier_pigeon",
		VerifiedPrincipalID: "telegram:1001", Kind: template.TriggerMessage,
	}); rej == nil {
		t.Fatal("expected rejection")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, string(audit.KindRoute)) || !strings.Contains(text, task.ID) {
		t.Errorf("admitted event not audited: %s", text)
	}
	if !strings.Contains(text, string(audit.KindRouteRejected)) || !strings.Contains(text, "ev-8") {
		t.Errorf("rejection not audited: %s", text)
	}
}

func TestProvenanceLabelAssignment(t *testing.T) {
	prov := DefaultProvenance()
	if prov["webhook"] >= prov["telegram"] {
		t.Error("webhook provenance should not outrank a paired channel")
	}
}
