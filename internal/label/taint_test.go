package label

import "testing"

func TestRawBecomesExtractedThroughExtractor(t *testing.T) {
	ta := NewRaw("telegram:msg-41")
	out := ta.Extract("intent_classifier")
	if out.Level != Extracted {
		t.Errorf("expected extracted, got %s", out.Level)
	}
	if len(out.Transformations) != 1 || out.Transformations[0] != "extract:intent_classifier" {
		t.Errorf("expected attributable extractor trail, got %v", out.Transformations)
	}
	// Original value untouched.
	if ta.Level != Raw || len(ta.Transformations) != 0 {
		t.Error("Extract mutated its receiver")
	}
}

func TestExtractNeverRegressesClean(t *testing.T) {
	clean := NewClean("owner:cli")
	out := clean.Extract("entity_extractor")
	if out.Level != Clean {
		t.Errorf("extraction regressed clean to %s", out.Level)
	}
}

func TestOwnerApproveIsAttributable(t *testing.T) {
	out := NewRaw("webhook:gh").Extract("intent_classifier").OwnerApprove("apr-7f3a")
	if out.Level != Clean {
		t.Fatalf("expected clean, got %s", out.Level)
	}
	last := out.Transformations[len(out.Transformations)-1]
	if last != "owner_approve:apr-7f3a" {
		t.Errorf("expected approval id in trail, got %q", last)
	}
}

func TestMergeTakesLeastTrustedLevel(t *testing.T) {
	raw := NewRaw("email:msg-2")
	clean := NewClean("owner:cli")
	merged := Merge(clean, raw)
	if merged.Level != Raw {
		t.Errorf("merge of clean and raw must be raw, got %s", merged.Level)
	}
	merged = Merge(raw.Extract("date_extractor"), clean)
	if merged.Level != Extracted {
		t.Errorf("merge of extracted and clean must be extracted, got %s", merged.Level)
	}
}

// FuzzTaintMonotonic drives random transformation sequences over one lineage
// and asserts the level never moves toward Raw without an owner approval.
func FuzzTaintMonotonic(f *testing.F) {
	f.Add([]byte{0, 1, 0, 1})
	f.Add([]byte{1, 1, 1})
	f.Fuzz(func(t *testing.T, ops []byte) {
		ta := NewRaw("fuzz:origin")
		prev := ta.Level
		for i, op := range ops {
			switch op % 2 {
			case 0:
				ta = ta.Extract("fuzz_extractor")
			case 1:
				ta = Merge(ta, NewRaw("fuzz:other"))
			}
			if op%2 == 0 && ta.Level < prev {
				t.Fatalf("op %d regressed taint %s -> %s", i, prev, ta.Level)
			}
			// Merging in a raw lineage may lower the level, but never
			// below Raw.
			if ta.Level < Raw {
				t.Fatalf("op %d produced invalid level %d", i, ta.Level)
			}
			prev = ta.Level
		}
	})
}
