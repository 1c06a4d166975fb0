// Package sync defines the dual-knowledge model: managed knowledge graphs,
// synchronization rules, schema mappings and sharing/access policies.
package sync

import (
	"time"

	"fabric/domain/schema"
)

// KGKind distinguishes the two knowledge layers.
type KGKind string

const (
	KindLocal  KGKind = "local"
	KindGlobal KGKind = "global"
)

// KG is a managed knowledge-graph slice registered with the manager.
type KG struct {
	Name        string
	Kind        KGKind
	Description string
}

// Direction controls which way a rule moves knowledge.
type Direction string

const (
	LocalToGlobal Direction = "local_to_global"
	GlobalToLocal Direction = "global_to_local"
	Bidirectional Direction = "bidirectional"
)

// CadenceKind selects how rule runs are initiated.
type CadenceKind string

const (
	Scheduled CadenceKind = "scheduled"
	OnEvent   CadenceKind = "on_event"
	Manual    CadenceKind = "manual"
)

// Cadence pairs a kind with its period (scheduled rules only).
type Cadence struct {
	Kind   CadenceKind
	Period time.Duration
}

// Candidate is a node being considered by a rule filter or policy predicate.
type Candidate struct {
	Label schema.Label
	Props map[string]any
}

// ID returns the candidate's node identifier.
func (c Candidate) ID() string {
	id, _ := c.Props["id"].(string)
	return id
}

// Rule describes one synchronization between a source and a target KG.
// Labels scope the rule; a nil Filter admits every candidate. EventPattern
// is consulted only for on_event cadences. Higher Priority runs first.
type Rule struct {
	Name         string
	SourceKG     string
	TargetKG     string
	Direction    Direction
	Labels       []schema.Label
	Filter       func(Candidate) bool
	Cadence      Cadence
	EventPattern string
	Priority     int
}

// Mapping translates node properties between two KG schemas. FieldMap maps
// source property names to target names; unmapped properties copy through
// unchanged. Immutable properties are never overwritten on update.
// Transform names a registered transform applied after field renaming.
type Mapping struct {
	Name        string
	SourceKG    string
	TargetKG    string
	SourceLabel schema.Label
	TargetLabel schema.Label
	FieldMap    map[string]string
	Immutable   []string
	Transform   string
}

// Apply renames the candidate's properties per the mapping. The input map
// is not modified.
func (m Mapping) Apply(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if to, ok := m.FieldMap[k]; ok {
			out[to] = v
			continue
		}
		out[k] = v
	}
	return out
}

// ImmutableSet returns the immutable property names as a set.
func (m Mapping) ImmutableSet() map[string]bool {
	out := make(map[string]bool, len(m.Immutable))
	for _, f := range m.Immutable {
		out[f] = true
	}
	return out
}

// PolicyKind separates sharing policies (consulted during sync) from access
// policies (consulted on reads crossing KG boundaries).
type PolicyKind string

const (
	Sharing PolicyKind = "sharing"
	Access  PolicyKind = "access"
)

// Policy vetoes candidates. Scope lists label globs the policy covers ("*"
// covers all); KGs lists the managed graphs it governs (empty governs all).
// Decide returns false to veto.
type Policy struct {
	Name   string
	Kind   PolicyKind
	Scope  []string
	KGs    []string
	Decide func(c Candidate, requester string) bool
}

// Covers reports whether the policy applies to a label within a KG.
func (p Policy) Covers(kg string, label schema.Label) bool {
	if len(p.KGs) > 0 {
		found := false
		for _, g := range p.KGs {
			if g == kg {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.Scope) == 0 {
		return true
	}
	for _, s := range p.Scope {
		if s == "*" || s == string(label) {
			return true
		}
	}
	return false
}
