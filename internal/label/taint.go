package label

import "fmt"

// TaintLevel tracks how far external content is from being trusted.
// Transitions within one lineage only ever move Raw → Extracted → Clean;
// the reverse direction does not exist.
type TaintLevel int

const (
	// Raw is anything not authored by the owner: chat messages from other
	// principals, webhook bodies, tool output from the open network.
	Raw TaintLevel = 0

	// Extracted is data that passed through a registered structured
	// extractor emitting typed, enumerable fields only. It can no longer
	// carry an embedded instruction payload in free text.
	Extracted TaintLevel = 1

	// Clean is data produced or explicitly approved by the owner.
	Clean TaintLevel = 2
)

func (t TaintLevel) String() string {
	switch t {
	case Raw:
		return "raw"
	case Extracted:
		return "extracted"
	case Clean:
		return "clean"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Taint records the provenance and sanitization history of one lineage of
// data. Values are immutable; transitions return new values.
type Taint struct {
	Level           TaintLevel `json:"level"`
	Origin          string     `json:"origin"`
	Transformations []string   `json:"transformations,omitempty"`
}

// NewRaw creates the taint attached to inbound external content.
func NewRaw(origin string) Taint {
	return Taint{Level: Raw, Origin: origin}
}

// NewClean creates the taint attached to owner-authored data.
func NewClean(origin string) Taint {
	return Taint{Level: Clean, Origin: origin}
}

// ErrTaintRegression is returned by transitions that would move taint
// toward Raw. The kernel never lowers trust by accident; there is no
// API that performs the reverse transition at all; this error exists
// for extractor chains that re-declare an already-extracted lineage.
var ErrTaintRegression = fmt.Errorf("label: taint transition toward raw is not permitted")

// Extract records a pass through the named structured extractor.
// Raw becomes Extracted; Extracted and Clean keep their level (a second
// extraction pass cannot regress trust, only append to the trail).
func (t Taint) Extract(extractor string) Taint {
	next := t
	next.Transformations = appendTrail(t.Transformations, "extract:"+extractor)
	if next.Level < Extracted {
		next.Level = Extracted
	}
	return next
}

// OwnerApprove marks the lineage Clean. Only the pipeline calls this, and
// only on a recorded approval by the owner principal; the approval id is
// appended to the trail so every Clean lineage is attributable.
func (t Taint) OwnerApprove(approvalID string) Taint {
	next := t
	next.Transformations = appendTrail(t.Transformations, "owner_approve:"+approvalID)
	next.Level = Clean
	return next
}

// Merge combines the taint of two lineages flowing into one value.
// The result carries the less trusted level and both origins' trails.
func Merge(a, b Taint) Taint {
	out := a
	if b.Level < a.Level {
		out.Level = b.Level
	}
	if b.Origin != a.Origin && b.Origin != "" {
		out.Transformations = appendTrail(out.Transformations, "merge:"+b.Origin)
	}
	for _, tr := range b.Transformations {
		out.Transformations = appendTrail(out.Transformations, tr)
	}
	return out
}

func appendTrail(trail []string, entry string) []string {
	out := make([]string, len(trail), len(trail)+1)
	copy(out, trail)
	return append(out, entry)
}
