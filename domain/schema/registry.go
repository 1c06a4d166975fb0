package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fabric/pkg/errors"
)

// ConstraintApplier is the slice of a graph store the registry needs to
// materialize constraints and indexes on a backend.
type ConstraintApplier interface {
	EnsureUniqueConstraint(ctx context.Context, label Label, property string) error
	EnsureIndex(ctx context.Context, label Label, properties ...string) error
	EnsureVectorIndex(ctx context.Context, label Label, property string, dimensions int) error
}

// Registry holds the active schema and serves validation. It starts from
// Core() and grows through domain extensions. Reads are concurrent.
type Registry struct {
	mu         sync.RWMutex
	schema     *Schema
	extensions map[string][]Label
	embedDims  int
	logger     *zap.Logger
}

// NewRegistry builds a registry seeded with the core schema. embeddingDims
// sizes the optional vector index on Memory.embedding; zero disables it.
func NewRegistry(logger *zap.Logger, embeddingDims int) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		schema:     Core(),
		extensions: map[string][]Label{},
		embedDims:  embeddingDims,
		logger:     logger,
	}
}

// Node returns the definition for a label.
func (r *Registry) Node(label Label) (NodeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.schema.Nodes[label]
	return d, ok
}

// Relationship returns the definition for a relationship type.
func (r *Registry) Relationship(t RelType) (RelDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.schema.Relationships[t]
	return d, ok
}

// Labels returns all registered labels, sorted.
func (r *Registry) Labels() []Label {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Label, 0, len(r.schema.Nodes))
	for l := range r.schema.Nodes {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DomainLabels returns the labels contributed by a named domain extension.
func (r *Registry) DomainLabels(domain string) []Label {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Label(nil), r.extensions[domain]...)
}

// Initialize applies unique-id constraints and secondary indexes for every
// registered label to the given backend. Safe to call repeatedly.
func (r *Registry) Initialize(ctx context.Context, store ConstraintApplier) error {
	r.mu.RLock()
	defs := make([]NodeDef, 0, len(r.schema.Nodes))
	for _, d := range r.schema.Nodes {
		defs = append(defs, d)
	}
	dims := r.embedDims
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Label < defs[j].Label })
	for _, d := range defs {
		if err := store.EnsureUniqueConstraint(ctx, d.Label, "id"); err != nil {
			return errors.Wrap(err, errors.KindUnavailable,
				fmt.Sprintf("constraint on %s.id", d.Label))
		}
		for _, p := range d.Properties {
			if p.Name == "name" || p.Name == "type" {
				if err := store.EnsureIndex(ctx, d.Label, p.Name); err != nil {
					return errors.Wrap(err, errors.KindUnavailable,
						fmt.Sprintf("index on %s.%s", d.Label, p.Name))
				}
			}
		}
	}
	if dims > 0 {
		if err := store.EnsureVectorIndex(ctx, LabelMemory, "embedding", dims); err != nil {
			// Vector indexing is an optional capability; validation and
			// recall work without it.
			r.logger.Warn("vector index unavailable, continuing without",
				zap.Int("dimensions", dims), zap.Error(err))
		}
	}
	r.logger.Info("schema initialized", zap.Int("labels", len(defs)))
	return nil
}

// Validate checks props against the definition for label. It reports every
// missing required property and every type mismatch in one error, so callers
// see the full set of problems at once. Undeclared properties pass through.
func (r *Registry) Validate(label Label, props map[string]any) error {
	r.mu.RLock()
	def, ok := r.schema.Nodes[label]
	r.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.KindValidation, "unknown label %q", label)
	}
	issues := validateProps(def.Properties, props)
	if len(issues) > 0 {
		return errors.Newf(errors.KindValidation, "%s: %s", label, strings.Join(issues, "; "))
	}
	return nil
}

// ValidatePartial type-checks only the properties present in props, for
// partial updates where required fields may be absent.
func (r *Registry) ValidatePartial(label Label, props map[string]any) error {
	r.mu.RLock()
	def, ok := r.schema.Nodes[label]
	r.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.KindValidation, "unknown label %q", label)
	}
	var issues []string
	for name, v := range props {
		p, declared := def.property(name)
		if !declared || v == nil {
			continue
		}
		if !typeMatches(p.Type, v) {
			issues = append(issues, fmt.Sprintf("property %q: expected %s, got %T", name, p.Type, v))
			continue
		}
		if p.UnitInterval {
			if f, ok := asFloat(v); ok && (f < 0 || f > 1) {
				issues = append(issues, fmt.Sprintf("property %q: %v outside [0,1]", name, f))
			}
		}
	}
	if len(issues) > 0 {
		return errors.Newf(errors.KindValidation, "%s: %s", label, strings.Join(issues, "; "))
	}
	return nil
}

// ValidateRelationship checks endpoint labels and properties for a
// relationship of type t from source to target.
func (r *Registry) ValidateRelationship(t RelType, source, target Label, props map[string]any) error {
	r.mu.RLock()
	def, ok := r.schema.Relationships[t]
	r.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.KindValidation, "unknown relationship type %q", t)
	}
	var issues []string
	if !def.allowsSource(source) {
		issues = append(issues, fmt.Sprintf("label %s cannot be the source of %s", source, t))
	}
	if !def.allowsTarget(target) {
		issues = append(issues, fmt.Sprintf("label %s cannot be the target of %s", target, t))
	}
	issues = append(issues, validateProps(def.Properties, props)...)
	if len(issues) > 0 {
		return errors.Newf(errors.KindValidation, "%s: %s", t, strings.Join(issues, "; "))
	}
	return nil
}

// ExtendForDomain merges a domain-specific schema into the registry. A label
// or relationship type may be re-registered only with an identical
// definition; any incompatible redefinition is rejected atomically.
func (r *Registry) ExtendForDomain(domain string, ext Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for label, def := range ext.Nodes {
		if existing, ok := r.schema.Nodes[label]; ok {
			if err := compatibleNodeDefs(existing, def); err != nil {
				return errors.Wrap(err, errors.KindSchemaConflict,
					fmt.Sprintf("domain %q redefines label %s", domain, label))
			}
		}
	}
	for t, def := range ext.Relationships {
		if existing, ok := r.schema.Relationships[t]; ok {
			if err := compatibleRelDefs(existing, def); err != nil {
				return errors.Wrap(err, errors.KindSchemaConflict,
					fmt.Sprintf("domain %q redefines relationship %s", domain, t))
			}
		}
	}

	for label, def := range ext.Nodes {
		if _, ok := r.schema.Nodes[label]; !ok {
			if !hasProperty(def.Properties, "id") {
				def.Properties = append(baseProperties(), def.Properties...)
			}
			r.schema.Nodes[label] = def
			r.extensions[domain] = append(r.extensions[domain], label)
		}
	}
	for t, def := range ext.Relationships {
		if _, ok := r.schema.Relationships[t]; !ok {
			r.schema.Relationships[t] = def
		}
	}
	r.logger.Info("schema extended", zap.String("domain", domain),
		zap.Int("labels", len(ext.Nodes)), zap.Int("relationships", len(ext.Relationships)))
	return nil
}

func compatibleNodeDefs(a, b NodeDef) error {
	for _, pb := range b.Properties {
		pa, ok := a.property(pb.Name)
		if !ok {
			continue
		}
		if pa.Type != pb.Type {
			return errors.Newf(errors.KindSchemaConflict,
				"property %s changes type %s -> %s", pb.Name, pa.Type, pb.Type)
		}
		if pa.Required != pb.Required {
			return errors.Newf(errors.KindSchemaConflict,
				"property %s changes required flag", pb.Name)
		}
	}
	return nil
}

func compatibleRelDefs(a, b RelDef) error {
	for _, pb := range b.Properties {
		pa, ok := a.property(pb.Name)
		if !ok {
			continue
		}
		if pa.Type != pb.Type {
			return errors.Newf(errors.KindSchemaConflict,
				"property %s changes type %s -> %s", pb.Name, pa.Type, pb.Type)
		}
	}
	if err := narrowedEndpoints(a.SourceLabels, b.SourceLabels, "source"); err != nil {
		return err
	}
	return narrowedEndpoints(a.TargetLabels, b.TargetLabels, "target")
}

func narrowedEndpoints(a, b []Label, side string) error {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	for _, l := range a {
		if !containsLabel(b, l) {
			return errors.Newf(errors.KindSchemaConflict,
				"%s labels no longer include %s", side, l)
		}
	}
	return nil
}

func hasProperty(props []Property, name string) bool {
	for _, p := range props {
		if p.Name == name {
			return true
		}
	}
	return false
}

func validateProps(defs []Property, props map[string]any) []string {
	var issues []string
	for _, p := range defs {
		v, ok := props[p.Name]
		if !ok || v == nil {
			if p.Required {
				issues = append(issues, fmt.Sprintf("missing required property %q", p.Name))
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			issues = append(issues, fmt.Sprintf("property %q: expected %s, got %T", p.Name, p.Type, v))
			continue
		}
		if p.UnitInterval {
			if f, ok := asFloat(v); ok && (f < 0 || f > 1) {
				issues = append(issues, fmt.Sprintf("property %q: %v outside [0,1]", p.Name, f))
			}
		}
	}
	return issues
}

func typeMatches(t PropertyType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		_, ok := asFloat(v)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, x)
			return err == nil
		}
		return false
	case TypeVector:
		switch v.(type) {
		case []float32, []float64:
			return true
		}
		return false
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
