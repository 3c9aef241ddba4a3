// Package router resolves inbound events to Tasks. It is the single
// entry point into the kernel: every event gets a principal looked up
// from adapter-verified identity, an initial label from the provenance
// table, an initial taint, and a matching task template. Anything that
// fails one of those steps is rejected outright.
package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moat-sh/moat/internal/audit"
	"github.com/moat-sh/moat/internal/label"
	"github.com/moat-sh/moat/internal/principal"
	"github.com/moat-sh/moat/internal/template"
)

// Event is the normalized record adapters hand to the router. The
// VerifiedPrincipalID must come from adapter-side authentication; the
// router never derives identity from message content.
type Event struct {
	ID                  string            `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	SourceAdapter       string            `json:"source_adapter"`
	VerifiedPrincipalID string            `json:"verified_principal_id"`
	Kind                template.Trigger  `json:"kind"`
	Text                string            `json:"text,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Task is one execution of the pipeline for one inbound event.
// DataCeiling starts at the template's ceiling and only ever tightens.
type Task struct {
	ID          string
	TraceID     string
	Principal   *principal.Principal
	Template    *template.Template
	Event       Event
	Label       label.Label
	Taint       label.Taint
	DataCeiling label.Label
	CreatedAt   time.Time
}

// Rejection explains why an event produced no task.
type Rejection struct {
	EventID string
	Reason  string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("router: event %s rejected: %s", r.EventID, r.Reason)
}

// Provenance maps a source adapter to the label assigned to everything
// arriving through it. Labels come from provenance only, never from
// inspecting content.
type Provenance map[string]label.Label

// DefaultProvenance covers the adapters the runtime ships with.
func DefaultProvenance() Provenance {
	return Provenance{
		"telegram": label.Internal,
		"email":    label.Internal,
		"webhook":  label.Public,
		"cron":     label.Internal,
	}
}

// Router wires the principal registry, provenance table, and template
// registry into the route operation.
type Router struct {
	principals *principal.Registry
	templates  *template.Registry
	provenance Provenance
	audit      *audit.Log
	configHash string
	now        func() time.Time
}

func New(principals *principal.Registry, templates *template.Registry, prov Provenance) *Router {
	if prov == nil {
		prov = DefaultProvenance()
	}
	return &Router{
		principals: principals,
		templates:  templates,
		provenance: prov,
		now:        time.Now,
	}
}

// WithAudit binds route decisions into the audit log. Once bound, a
// successful route with a failed audit write becomes a rejection; the
// kernel never admits an event unrecorded.
func (r *Router) WithAudit(log *audit.Log, configHash string) *Router {
	r.audit = log
	r.configHash = configHash
	return r
}

// Route turns an event into a Task or a Rejection. There is no
// permissive fallback: unknown principals, unknown adapters, and
// unmatched templates are all hard rejections.
func (r *Router) Route(ev Event) (*Task, *Rejection) {
	if ev.VerifiedPrincipalID == "" {
		return r.reject(ev, "no verified principal")
	}

	p := r.principals.Lookup(ev.VerifiedPrincipalID)
	if p == nil {
		return r.reject(ev, fmt.Sprintf("unknown principal %q", ev.VerifiedPrincipalID))
	}

	lbl, ok := r.provenance[ev.SourceAdapter]
	if !ok {
		return r.reject(ev, fmt.Sprintf("no provenance entry for adapter %q", ev.SourceAdapter))
	}

	tmpl := r.templates.Match(ev.Kind, p.Class)
	if tmpl == nil {
		return r.reject(ev, fmt.Sprintf("no template for (%s, %s)", ev.Kind, p.Class))
	}

	taint := label.NewRaw(ev.SourceAdapter + ":" + p.ID)
	if p.Class == principal.Owner {
		taint = label.NewClean(p.ID)
	}

	task := &Task{
		ID:          uuid.NewString(),
		TraceID:     uuid.NewString(),
		Principal:   p,
		Template:    tmpl,
		Event:       ev,
		Label:       lbl,
		Taint:       taint,
		DataCeiling: tmpl.DataCeiling,
		CreatedAt:   r.now(),
	}
	if err := r.record(audit.Entry{
		Kind:        audit.KindRoute,
		TaskID:      task.ID,
		TraceID:     task.TraceID,
		PrincipalID: p.ID,
		TemplateID:  tmpl.ID,
		Label:       lbl.String(),
		Taint:       taint.Level.String(),
		Reason:      "event " + ev.ID,
	}); err != nil {
		return nil, &Rejection{EventID: ev.ID, Reason: fmt.Sprintf("audit log unavailable: %v", err)}
	}
	return task, nil
}

// reject records the rejection and hands it back. A failed audit write
// here cannot make the outcome worse, so it is not surfaced.
func (r *Router) reject(ev Event, reason string) (*Task, *Rejection) {
	_ = r.record(audit.Entry{
		Kind:        audit.KindRouteRejected,
		PrincipalID: ev.VerifiedPrincipalID,
		Reason:      fmt.Sprintf("event %s: %s", ev.ID, reason),
	})
	return nil, &Rejection{EventID: ev.ID, Reason: reason}
}

func (r *Router) record(e audit.Entry) error {
	if r.audit == nil {
		return nil
	}
	e.Timestamp = r.now().UTC().Format(audit.TimestampFormat)
	e.ConfigHash = r.configHash
	return r.audit.Record(e)
}
