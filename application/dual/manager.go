// Package dual implements the dual-knowledge manager: registration of
// managed knowledge graphs, synchronization rules, schema mappings and
// policies, and the promotion/propagation pass that moves knowledge
// between graphs.
package dual

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/event"
	"fabric/domain/schema"
	syncdom "fabric/domain/sync"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
	"fabric/pkg/observability"
)

// Transform mutates a mapped property set during synchronization.
type Transform func(props map[string]any) map[string]any

// Emit publishes an event into the pipeline. Nil disables emission.
type Emit func(ctx context.Context, ev event.Event) (event.Event, error)

// Result summarizes one synchronization pass.
type Result struct {
	Rule       string
	Considered int
	Applied    int
	Vetoed     int
	Deferred   int
}

func (r Result) add(o Result) Result {
	r.Considered += o.Considered
	r.Applied += o.Applied
	r.Vetoed += o.Vetoed
	r.Deferred += o.Deferred
	return r
}

// Manager owns the registry of managed KGs and runs synchronization
// passes. Registration metadata is persisted as nodes in the meta store so
// the topology survives restarts and is itself queryable.
type Manager struct {
	mu         gosync.RWMutex
	stores     map[string]graph.Store
	kgs        map[string]syncdom.KG
	kgNodeIDs  map[string]string
	rules      map[string]syncdom.Rule
	mappings   map[string]syncdom.Mapping
	policies   map[string]syncdom.Policy
	transforms map[string]Transform

	meta     graph.Store
	registry *schema.Registry
	clock    ports.Clock
	emit     Emit
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewManager(meta graph.Store, registry *schema.Registry, clock ports.Clock, emit Emit, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		stores:     map[string]graph.Store{},
		kgs:        map[string]syncdom.KG{},
		kgNodeIDs:  map[string]string{},
		rules:      map[string]syncdom.Rule{},
		mappings:   map[string]syncdom.Mapping{},
		policies:   map[string]syncdom.Policy{},
		transforms: map[string]Transform{},
		meta:       meta,
		registry:   registry,
		clock:      clock,
		emit:       emit,
		logger:     logger,
		metrics:    metrics,
	}
}

// RegisterKG binds a named knowledge-graph slice to its store. Registering
// the same name again returns the existing registration.
func (m *Manager) RegisterKG(ctx context.Context, kg syncdom.KG, store graph.Store) (syncdom.KG, error) {
	if kg.Name == "" {
		return syncdom.KG{}, errors.NewValidation("managed KG needs a name")
	}
	if kg.Kind != syncdom.KindLocal && kg.Kind != syncdom.KindGlobal {
		return syncdom.KG{}, errors.Newf(errors.KindValidation, "unknown KG kind %q", kg.Kind)
	}
	if store == nil {
		return syncdom.KG{}, errors.NewValidation("managed KG needs a store")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.kgs[kg.Name]; ok {
		return existing, nil
	}
	nodeID, err := m.ensureMetaNode(ctx, schema.LabelManagedKG, kg.Name, map[string]any{
		"kind":        string(kg.Kind),
		"description": kg.Description,
	})
	if err != nil {
		return syncdom.KG{}, err
	}
	m.kgs[kg.Name] = kg
	m.stores[kg.Name] = store
	m.kgNodeIDs[kg.Name] = nodeID
	m.logger.Info("managed KG registered",
		zap.String("name", kg.Name), zap.String("kind", string(kg.Kind)))
	return kg, nil
}

// StoreFor returns the store backing a managed KG.
func (m *Manager) StoreFor(name string) (graph.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, errors.NewNotFound("managed KG", name)
	}
	return s, nil
}

// KGs lists the registered knowledge graphs.
func (m *Manager) KGs() []syncdom.KG {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]syncdom.KG, 0, len(m.kgs))
	for _, kg := range m.kgs {
		out = append(out, kg)
	}
	return out
}

// RegisterTransform names a property transform for mappings to reference.
func (m *Manager) RegisterTransform(name string, t Transform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[name] = t
}

// RegisterRule validates and persists a synchronization rule. The rule node
// gets APPLIES_TO edges to both KGs, and the two KGs are linked SYNCS_WITH.
func (m *Manager) RegisterRule(ctx context.Context, rule syncdom.Rule) error {
	if rule.Name == "" {
		return errors.NewValidation("rule needs a name")
	}
	if len(rule.Labels) == 0 {
		return errors.NewValidation("rule needs at least one label")
	}
	switch rule.Direction {
	case syncdom.LocalToGlobal, syncdom.GlobalToLocal, syncdom.Bidirectional:
	default:
		return errors.Newf(errors.KindValidation, "unknown direction %q", rule.Direction)
	}
	switch rule.Cadence.Kind {
	case syncdom.Scheduled:
		if rule.Cadence.Period <= 0 {
			return errors.NewValidation("scheduled rule needs a positive period")
		}
	case syncdom.OnEvent:
		if rule.EventPattern == "" {
			return errors.NewValidation("on_event rule needs an event pattern")
		}
	case syncdom.Manual:
	default:
		return errors.Newf(errors.KindValidation, "unknown cadence %q", rule.Cadence.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kgs[rule.SourceKG]; !ok {
		return errors.NewNotFound("managed KG", rule.SourceKG)
	}
	if _, ok := m.kgs[rule.TargetKG]; !ok {
		return errors.NewNotFound("managed KG", rule.TargetKG)
	}
	if _, ok := m.rules[rule.Name]; ok {
		return errors.NewDuplicate("synchronization rule", rule.Name)
	}
	ruleID, err := m.ensureMetaNode(ctx, schema.LabelSyncRule, rule.Name, map[string]any{
		"direction": string(rule.Direction),
		"cadence":   string(rule.Cadence.Kind),
		"priority":  rule.Priority,
	})
	if err != nil {
		return err
	}
	for _, kgName := range []string{rule.SourceKG, rule.TargetKG} {
		m.linkMeta(ctx, schema.LabelSyncRule, ruleID, schema.RelAppliesTo, schema.LabelManagedKG, m.kgNodeIDs[kgName])
	}
	m.linkMeta(ctx, schema.LabelManagedKG, m.kgNodeIDs[rule.SourceKG],
		schema.RelSyncsWith, schema.LabelManagedKG, m.kgNodeIDs[rule.TargetKG])
	m.rules[rule.Name] = rule
	m.logger.Info("sync rule registered",
		zap.String("rule", rule.Name),
		zap.String("source", rule.SourceKG), zap.String("target", rule.TargetKG),
		zap.String("cadence", string(rule.Cadence.Kind)))
	return nil
}

// Rule returns a registered rule.
func (m *Manager) Rule(name string) (syncdom.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[name]
	if !ok {
		return syncdom.Rule{}, errors.NewNotFound("synchronization rule", name)
	}
	return r, nil
}

// Rules lists registered rules.
func (m *Manager) Rules() []syncdom.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]syncdom.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out
}

// RegisterMapping persists a schema mapping with MAPS_BETWEEN edges.
func (m *Manager) RegisterMapping(ctx context.Context, mapping syncdom.Mapping) error {
	if mapping.Name == "" {
		return errors.NewValidation("mapping needs a name")
	}
	if mapping.SourceLabel == "" || mapping.TargetLabel == "" {
		return errors.NewValidation("mapping needs source and target labels")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping.Transform != "" {
		if _, ok := m.transforms[mapping.Transform]; !ok {
			return errors.Newf(errors.KindValidation, "unknown transform %q", mapping.Transform)
		}
	}
	if _, ok := m.mappings[mapping.Name]; ok {
		return errors.NewDuplicate("schema mapping", mapping.Name)
	}
	mapID, err := m.ensureMetaNode(ctx, schema.LabelSchemaMapping, mapping.Name, nil)
	if err != nil {
		return err
	}
	for _, kgName := range []string{mapping.SourceKG, mapping.TargetKG} {
		if id, ok := m.kgNodeIDs[kgName]; ok {
			m.linkMeta(ctx, schema.LabelSchemaMapping, mapID, schema.RelMapsBetween, schema.LabelManagedKG, id)
		}
	}
	m.mappings[mapping.Name] = mapping
	return nil
}

// RegisterPolicy persists a policy with GOVERNS edges to its KGs.
func (m *Manager) RegisterPolicy(ctx context.Context, policy syncdom.Policy) error {
	if policy.Name == "" {
		return errors.NewValidation("policy needs a name")
	}
	if policy.Kind != syncdom.Sharing && policy.Kind != syncdom.Access {
		return errors.Newf(errors.KindValidation, "unknown policy kind %q", policy.Kind)
	}
	if policy.Decide == nil {
		return errors.NewValidation("policy needs a decision function")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[policy.Name]; ok {
		return errors.NewDuplicate("policy", policy.Name)
	}
	polID, err := m.ensureMetaNode(ctx, schema.LabelKnowledgePolicy, policy.Name, map[string]any{
		"kind": string(policy.Kind),
	})
	if err != nil {
		return err
	}
	for _, kgName := range policy.KGs {
		if id, ok := m.kgNodeIDs[kgName]; ok {
			m.linkMeta(ctx, schema.LabelKnowledgePolicy, polID, schema.RelGoverns, schema.LabelManagedKG, id)
		}
	}
	m.policies[policy.Name] = policy
	return nil
}

// ReadAcross loads a node from another KG, consulting access policies. A
// vetoed read reports NotFound so callers cannot probe for existence.
func (m *Manager) ReadAcross(ctx context.Context, kgName string, label schema.Label, id, requester string) (graph.Node, error) {
	store, err := m.StoreFor(kgName)
	if err != nil {
		return graph.Node{}, err
	}
	node, err := store.GetNode(ctx, label, id)
	if err != nil {
		return graph.Node{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Kind != syncdom.Access || !p.Covers(kgName, label) {
			continue
		}
		if !p.Decide(syncdom.Candidate{Label: label, Props: node.Props}, requester) {
			return graph.Node{}, errors.NewNotFound(string(label), id)
		}
	}
	return node, nil
}

// ensureMetaNode creates or reuses a meta node identified by name. Caller
// holds m.mu.
func (m *Manager) ensureMetaNode(ctx context.Context, label schema.Label, name string, extra map[string]any) (string, error) {
	existing, err := m.meta.FindNodes(ctx, label, map[string]any{"name": name}, 1, 0)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return existing[0].ID(), nil
	}
	now := m.clock.Now()
	props := map[string]any{
		"id": uuid.NewString(), "name": name,
		"created_at": now, "updated_at": now,
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		props[k] = v
	}
	if err := m.registry.Validate(label, props); err != nil {
		return "", err
	}
	node, err := m.meta.CreateNode(ctx, label, props)
	if err != nil {
		return "", err
	}
	return node.ID(), nil
}

// linkMeta best-effort connects two meta nodes; topology edges are
// informational and must not fail registration.
func (m *Manager) linkMeta(ctx context.Context, srcLabel schema.Label, srcID string, rel schema.RelType, dstLabel schema.Label, dstID string) {
	if srcID == "" || dstID == "" {
		return
	}
	existing, err := m.meta.FindRelationships(ctx, graph.RelFilter{
		Type:        rel,
		SourceLabel: srcLabel, SourceID: srcID,
		TargetLabel: dstLabel, TargetID: dstID,
	})
	if err == nil && len(existing) > 0 {
		return
	}
	if _, err := m.meta.CreateRelationship(ctx, graph.Relationship{
		Type:        rel,
		SourceLabel: srcLabel, SourceID: srcID,
		TargetLabel: dstLabel, TargetID: dstID,
		Props: map[string]any{"created_at": m.clock.Now()},
	}); err != nil {
		m.logger.Warn("meta link skipped",
			zap.String("rel", string(rel)), zap.Error(err))
	}
}

// Synchronize runs one rule. itemIDs narrows the pass to specific nodes;
// empty means everything in the rule's scope. Bidirectional rules run
// source-to-target first, then the reverse.
func (m *Manager) Synchronize(ctx context.Context, ruleName string, itemIDs []string) (Result, error) {
	rule, err := m.Rule(ruleName)
	if err != nil {
		return Result{}, err
	}
	res := Result{Rule: rule.Name}

	fwd, err := m.pass(ctx, rule, rule.SourceKG, rule.TargetKG, itemIDs)
	res = res.add(fwd)
	if err != nil {
		return res, err
	}
	if rule.Direction == syncdom.Bidirectional {
		rev, err := m.pass(ctx, rule, rule.TargetKG, rule.SourceKG, itemIDs)
		res = res.add(rev)
		if err != nil {
			return res, err
		}
	}

	m.metrics.AddSyncCounts(res.Applied, res.Vetoed, res.Deferred)
	if m.emit != nil {
		_, err := m.emit(ctx, event.Event{
			Type:   "knowledge.synchronized",
			Source: "dkm/" + rule.Name,
			Metadata: map[string]any{
				"rule":       rule.Name,
				"considered": res.Considered,
				"applied":    res.Applied,
				"vetoed":     res.Vetoed,
				"deferred":   res.Deferred,
			},
		})
		if err != nil {
			m.logger.Warn("synchronized event not emitted", zap.Error(err))
		}
	}
	return res, nil
}

func (m *Manager) pass(ctx context.Context, rule syncdom.Rule, srcKG, dstKG string, itemIDs []string) (Result, error) {
	var res Result
	src, err := m.StoreFor(srcKG)
	if err != nil {
		return res, err
	}
	dst, err := m.StoreFor(dstKG)
	if err != nil {
		return res, err
	}

	for _, label := range rule.Labels {
		candidates, err := m.candidates(ctx, src, label, itemIDs)
		if err != nil {
			return res, err
		}
		mapping := m.mappingFor(srcKG, dstKG, label)
		for _, node := range candidates {
			cand := syncdom.Candidate{Label: label, Props: node.Props}
			if rule.Filter != nil && !rule.Filter(cand) {
				continue
			}
			res.Considered++
			if m.vetoed(srcKG, dstKG, cand) {
				res.Vetoed++
				continue
			}
			applied, err := m.upsert(ctx, dst, mapping, cand)
			if err != nil {
				return res, err
			}
			if applied {
				res.Applied++
			}
			deferred, err := m.copyRelationships(ctx, src, dst, label, cand.ID())
			if err != nil {
				return res, err
			}
			res.Deferred += deferred
		}
	}
	return res, nil
}

func (m *Manager) candidates(ctx context.Context, src graph.Store, label schema.Label, itemIDs []string) ([]graph.Node, error) {
	if len(itemIDs) == 0 {
		return src.FindNodes(ctx, label, nil, 0, 0)
	}
	var out []graph.Node
	for _, id := range itemIDs {
		node, err := src.GetNode(ctx, label, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

func (m *Manager) mappingFor(srcKG, dstKG string, label schema.Label) syncdom.Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mp := range m.mappings {
		if mp.SourceKG == srcKG && mp.TargetKG == dstKG && mp.SourceLabel == label {
			return mp
		}
	}
	// identity mapping
	return syncdom.Mapping{SourceLabel: label, TargetLabel: label}
}

func (m *Manager) vetoed(srcKG, dstKG string, cand syncdom.Candidate) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies {
		if p.Kind != syncdom.Sharing {
			continue
		}
		if !p.Covers(srcKG, cand.Label) && !p.Covers(dstKG, cand.Label) {
			continue
		}
		if !p.Decide(cand, "") {
			m.logger.Debug("candidate vetoed",
				zap.String("policy", p.Name),
				zap.String("label", string(cand.Label)),
				zap.String("id", cand.ID()))
			return true
		}
	}
	return false
}

// upsert applies one candidate into the target store. Timestamps copy
// through verbatim so repeated runs converge: an update happens only when
// the source is strictly newer (last-writer-wins on updated_at).
func (m *Manager) upsert(ctx context.Context, dst graph.Store, mapping syncdom.Mapping, cand syncdom.Candidate) (bool, error) {
	mapped := mapping.Apply(cand.Props)
	if mapping.Transform != "" {
		m.mu.RLock()
		t := m.transforms[mapping.Transform]
		m.mu.RUnlock()
		if t != nil {
			mapped = t(mapped)
		}
	}
	id, _ := mapped["id"].(string)
	if id == "" {
		return false, errors.Newf(errors.KindValidation,
			"candidate %s has no id after mapping", cand.ID())
	}

	existing, err := dst.GetNode(ctx, mapping.TargetLabel, id)
	if err != nil {
		if !errors.IsNotFound(err) {
			return false, err
		}
		if verr := m.registry.Validate(mapping.TargetLabel, mapped); verr != nil {
			return false, verr
		}
		if _, cerr := dst.CreateNode(ctx, mapping.TargetLabel, mapped); cerr != nil {
			return false, cerr
		}
		return true, nil
	}

	srcT, _ := graph.AsTime(mapped["updated_at"])
	dstT, _ := graph.AsTime(existing.Props["updated_at"])
	if !srcT.After(dstT) {
		return false, nil
	}
	immutable := mapping.ImmutableSet()
	changes := map[string]any{}
	for k, v := range mapped {
		if k == "id" || immutable[k] {
			continue
		}
		changes[k] = v
	}
	if _, err := dst.UpdateNode(ctx, mapping.TargetLabel, id, changes); err != nil {
		return false, err
	}
	return true, nil
}

// copyRelationships mirrors the candidate's outgoing edges when both
// endpoints exist in the target. Edges whose far endpoint is missing are
// deferred, not failed: a later pass that brings the endpoint across will
// pick them up.
func (m *Manager) copyRelationships(ctx context.Context, src, dst graph.Store, label schema.Label, id string) (int, error) {
	rels, err := src.FindRelationships(ctx, graph.RelFilter{SourceLabel: label, SourceID: id})
	if err != nil {
		return 0, err
	}
	deferred := 0
	for _, rel := range rels {
		if _, err := dst.GetNode(ctx, rel.TargetLabel, rel.TargetID); err != nil {
			if errors.IsNotFound(err) {
				deferred++
				continue
			}
			return deferred, err
		}
		existing, err := dst.FindRelationships(ctx, graph.RelFilter{
			Type:        rel.Type,
			SourceLabel: rel.SourceLabel, SourceID: rel.SourceID,
			TargetLabel: rel.TargetLabel, TargetID: rel.TargetID,
		})
		if err != nil {
			return deferred, err
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := dst.CreateRelationship(ctx, rel); err != nil {
			if errors.IsNotFound(err) {
				deferred++
				continue
			}
			return deferred, err
		}
	}
	return deferred, nil
}

// Status describes the manager's registrations for diagnostics.
type Status struct {
	KGs      int
	Rules    int
	Mappings int
	Policies int
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		KGs:      len(m.kgs),
		Rules:    len(m.rules),
		Mappings: len(m.mappings),
		Policies: len(m.policies),
	}
}

// String implements fmt.Stringer for log friendliness.
func (s Status) String() string {
	return fmt.Sprintf("kgs=%d rules=%d mappings=%d policies=%d",
		s.KGs, s.Rules, s.Mappings, s.Policies)
}
