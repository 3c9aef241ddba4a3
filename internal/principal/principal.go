// Package principal models the verified external actors the kernel acts
// for. Identity is always derived from adapter-side authentication; nothing
// in this package ever infers a principal from message content.
package principal

import (
	"fmt"
	"sort"
	"time"
)

// Class buckets principals into default capability ceilings.
type Class string

const (
	Owner      Class = "owner"
	Paired     Class = "paired"
	ThirdParty Class = "third_party"
	Webhook    Class = "webhook"
	Cron       Class = "cron"
)

// validClasses is the set of recognized principal classes.
var validClasses = map[Class]bool{
	Owner:      true,
	Paired:     true,
	ThirdParty: true,
	Webhook:    true,
	Cron:       true,
}

// IsValidClass returns true if c is a recognized principal class.
func IsValidClass(c Class) bool {
	return validClasses[c]
}

// Principal is the canonical identity of one external actor. Immutable
// once created; it persists for the lifetime of the relationship.
type Principal struct {
	ID        string    `yaml:"id" json:"id"`
	Class     Class     `yaml:"class" json:"class"`
	Channel   string    `yaml:"channel" json:"channel"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// LinkedIDs holds identities on other channels that the owner has
	// explicitly linked to this principal. Populated only by Registry.Link.
	LinkedIDs []string `yaml:"linked_ids,omitempty" json:"linked_ids,omitempty"`
}

// Registry maps adapter-verified identifiers to principals.
type Registry struct {
	principals map[string]*Principal
}

// NewRegistry creates a Registry from a principals config map.
func NewRegistry(principals map[string]*Principal) *Registry {
	if principals == nil {
		principals = make(map[string]*Principal)
	}
	for id, p := range principals {
		if p.ID == "" {
			p.ID = id
		}
	}
	return &Registry{principals: principals}
}

// Lookup returns the principal for a verified identifier, or nil.
// Linked identities resolve to their canonical principal.
func (r *Registry) Lookup(verifiedID string) *Principal {
	if p, ok := r.principals[verifiedID]; ok {
		return p
	}
	for _, p := range r.principals {
		for _, linked := range p.LinkedIDs {
			if linked == verifiedID {
				return p
			}
		}
	}
	return nil
}

// IsRegistered returns true if the verified identifier resolves to a principal.
func (r *Registry) IsRegistered(verifiedID string) bool {
	return r.Lookup(verifiedID) != nil
}

// Owner returns the owner principal, or nil if none is configured.
func (r *Registry) Owner() *Principal {
	for _, p := range r.principals {
		if p.Class == Owner {
			return p
		}
	}
	return nil
}

// List returns all principals sorted by id.
func (r *Registry) List() []*Principal {
	out := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Link attaches a second verified identity to an existing principal.
// This is the only cross-channel merge path and it requires the approver
// to be the owner; callers record the returned event in the audit log.
func (r *Registry) Link(canonicalID, newID string, approver *Principal) (LinkEvent, error) {
	if approver == nil || approver.Class != Owner {
		return LinkEvent{}, fmt.Errorf("principal: linking requires owner approval")
	}
	p, ok := r.principals[canonicalID]
	if !ok {
		return LinkEvent{}, fmt.Errorf("principal: unknown principal %q", canonicalID)
	}
	if existing := r.Lookup(newID); existing != nil {
		return LinkEvent{}, fmt.Errorf("principal: identity %q already resolves to %q", newID, existing.ID)
	}
	p.LinkedIDs = append(p.LinkedIDs, newID)
	return LinkEvent{
		CanonicalID: canonicalID,
		LinkedID:    newID,
		ApprovedBy:  approver.ID,
		At:          time.Now().UTC(),
	}, nil
}

// LinkEvent is the audit record of one identity-linking operation.
type LinkEvent struct {
	CanonicalID string    `json:"canonical_id"`
	LinkedID    string    `json:"linked_id"`
	ApprovedBy  string    `json:"approved_by"`
	At          time.Time `json:"at"`
}
