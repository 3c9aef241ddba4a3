package principal

import (
	"path/filepath"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(map[string]*Principal{
		"telegram:1001": {Class: Owner, Channel: "telegram"},
		"telegram:2002": {Class: Paired, Channel: "telegram"},
		"webhook:gh":    {Class: Webhook, Channel: "webhook"},
	})
}

func TestLookupFillsID(t *testing.T) {
	r := testRegistry()
	p := r.Lookup("telegram:1001")
	if p == nil {
		t.Fatal("expected principal")
	}
	if p.ID != "telegram:1001" {
		t.Errorf("expected map key as ID, got %q", p.ID)
	}
}

func TestUnknownIdentityNotRegistered(t *testing.T) {
	r := testRegistry()
	if r.IsRegistered("signal:9999") {
		t.Error("unverified identity must not resolve")
	}
}

func TestLinkRequiresOwner(t *testing.T) {
	r := testRegistry()
	paired := r.Lookup("telegram:2002")

	if _, err := r.Link("telegram:2002", "signal:2002", paired); err == nil {
		t.Error("expected linking by non-owner to fail")
	}

	owner := r.Lookup("telegram:1001")
	ev, err := r.Link("telegram:2002", "signal:2002", owner)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if ev.ApprovedBy != "telegram:1001" {
		t.Errorf("expected approver in link event, got %q", ev.ApprovedBy)
	}
	if got := r.Lookup("signal:2002"); got == nil || got.ID != "telegram:2002" {
		t.Error("linked identity must resolve to canonical principal")
	}
}

func TestLinkRejectsAlreadyResolvedIdentity(t *testing.T) {
	r := testRegistry()
	owner := r.Lookup("telegram:1001")
	if _, err := r.Link("telegram:2002", "webhook:gh", owner); err == nil {
		t.Error("expected linking an existing identity to fail")
	}
}

func TestOwnerAndList(t *testing.T) {
	r := testRegistry()
	owner := r.Owner()
	if owner == nil || owner.ID != "telegram:1001" {
		t.Fatalf("expected owner telegram:1001, got %v", owner)
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 principals, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("list not sorted: %q before %q", list[i-1].ID, list[i].ID)
		}
	}
}

func TestSaveRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "principals.yaml")
	r := testRegistry()
	owner := r.Owner()
	if _, err := r.Link("telegram:2002", "email:pal@example.com", owner); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := SaveRegistry(path, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := loaded.Lookup("email:pal@example.com")
	if p == nil || p.ID != "telegram:2002" {
		t.Fatalf("linked identity did not survive round trip, got %v", p)
	}
}
