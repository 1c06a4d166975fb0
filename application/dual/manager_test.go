package dual_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/application/dual"
	"fabric/domain/event"
	"fabric/domain/schema"
	syncdom "fabric/domain/sync"
	"fabric/infrastructure/graph"
	"fabric/infrastructure/graph/memgraph"
	"fabric/pkg/errors"
)

type fixture struct {
	mgr    *dual.Manager
	local  *memgraph.Store
	global *memgraph.Store
	events []event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	local := memgraph.New(nil)
	global := memgraph.New(nil)
	registry := schema.NewRegistry(nil, 0)
	require.NoError(t, registry.Initialize(ctx, local))
	require.NoError(t, registry.Initialize(ctx, global))

	f := &fixture{local: local, global: global}
	emit := func(ctx context.Context, ev event.Event) (event.Event, error) {
		f.events = append(f.events, ev)
		return ev, nil
	}
	f.mgr = dual.NewManager(global, registry, nil, emit, nil, nil)
	_, err := f.mgr.RegisterKG(ctx, syncdom.KG{Name: "agent-local", Kind: syncdom.KindLocal}, local)
	require.NoError(t, err)
	_, err = f.mgr.RegisterKG(ctx, syncdom.KG{Name: "org-global", Kind: syncdom.KindGlobal}, global)
	require.NoError(t, err)
	return f
}

func decisionProps(id, status string, updated time.Time) map[string]any {
	return map[string]any{
		"id": id, "title": "t-" + id, "description": "d", "context": "c",
		"status": status, "created_at": updated, "updated_at": updated,
	}
}

func promotionRule(cadence syncdom.Cadence) syncdom.Rule {
	return syncdom.Rule{
		Name:      "promote-decisions",
		SourceKG:  "agent-local",
		TargetKG:  "org-global",
		Direction: syncdom.LocalToGlobal,
		Labels:    []schema.Label{schema.LabelDecision},
		Cadence:   cadence,
	}
}

func TestSynchronize_PromotesAndIsIdempotent(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("dec1", "accepted", now))
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterRule(ctx, promotionRule(syncdom.Cadence{Kind: syncdom.Manual})))

	// Act
	res, err := f.mgr.Synchronize(ctx, "promote-decisions", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Considered)
	assert.Equal(t, 1, res.Applied)
	node, err := f.global.GetNode(ctx, schema.LabelDecision, "dec1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", node.Props["status"])

	// a second run with no changes applies nothing
	res, err = f.mgr.Synchronize(ctx, "promote-decisions", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Considered)
	assert.Equal(t, 0, res.Applied)

	// the synchronized event fired for both runs
	require.Len(t, f.events, 2)
	assert.Equal(t, "knowledge.synchronized", f.events[0].Type)
	assert.Equal(t, 1, f.events[0].Metadata["applied"])
}

func TestSynchronize_LastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("dec1", "proposed", older))
	require.NoError(t, err)
	_, err = f.global.CreateNode(ctx, schema.LabelDecision, decisionProps("dec1", "accepted", newer))
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterRule(ctx, promotionRule(syncdom.Cadence{Kind: syncdom.Manual})))

	res, err := f.mgr.Synchronize(ctx, "promote-decisions", nil)

	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied, "older source must not overwrite newer target")
	node, err := f.global.GetNode(ctx, schema.LabelDecision, "dec1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", node.Props["status"])

	// now the local copy moves ahead and wins
	_, err = f.local.UpdateNode(ctx, schema.LabelDecision, "dec1", map[string]any{
		"status": "superseded", "updated_at": newer.Add(time.Hour),
	})
	require.NoError(t, err)
	res, err = f.mgr.Synchronize(ctx, "promote-decisions", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	node, err = f.global.GetNode(ctx, schema.LabelDecision, "dec1")
	require.NoError(t, err)
	assert.Equal(t, "superseded", node.Props["status"])
}

func TestSynchronize_SharingPolicyVetoesDrafts(t *testing.T) {
	// Arrange: scenario 6
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("draft1", "draft", now))
	require.NoError(t, err)
	_, err = f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("final1", "accepted", now))
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterRule(ctx, promotionRule(syncdom.Cadence{Kind: syncdom.Manual})))
	require.NoError(t, f.mgr.RegisterPolicy(ctx, syncdom.Policy{
		Name:  "no-drafts",
		Kind:  syncdom.Sharing,
		Scope: []string{string(schema.LabelDecision)},
		KGs:   []string{"org-global"},
		Decide: func(c syncdom.Candidate, _ string) bool {
			return c.Props["status"] != "draft"
		},
	}))

	// Act
	res, err := f.mgr.Synchronize(ctx, "promote-decisions", nil)

	// Assert: veto is a counted outcome, not an error
	require.NoError(t, err)
	assert.Equal(t, 2, res.Considered)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Vetoed)
	_, err = f.global.GetNode(ctx, schema.LabelDecision, "draft1")
	assert.True(t, errors.IsNotFound(err))
	_, err = f.global.GetNode(ctx, schema.LabelDecision, "final1")
	assert.NoError(t, err)
}

func TestSynchronize_RuleFilterNarrowsScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("a", "accepted", now))
	require.NoError(t, err)
	_, err = f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("b", "proposed", now))
	require.NoError(t, err)
	rule := promotionRule(syncdom.Cadence{Kind: syncdom.Manual})
	rule.Filter = func(c syncdom.Candidate) bool { return c.Props["status"] == "accepted" }
	require.NoError(t, f.mgr.RegisterRule(ctx, rule))

	res, err := f.mgr.Synchronize(ctx, "promote-decisions", nil)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Considered)
	assert.Equal(t, 1, res.Applied)
	_, err = f.global.GetNode(ctx, schema.LabelDecision, "b")
	assert.True(t, errors.IsNotFound(err))
}

func TestSynchronize_MappingRenamesAndProtectsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	props := map[string]any{
		"id": "p1", "name": "circuit breaker", "description": "d", "type": "resilience",
		"created_at": now, "updated_at": now, "origin": "team-a",
	}
	_, err := f.local.CreateNode(ctx, schema.LabelPattern, props)
	require.NoError(t, err)
	rule := promotionRule(syncdom.Cadence{Kind: syncdom.Manual})
	rule.Name = "promote-patterns"
	rule.Labels = []schema.Label{schema.LabelPattern}
	require.NoError(t, f.mgr.RegisterRule(ctx, rule))
	require.NoError(t, f.mgr.RegisterMapping(ctx, syncdom.Mapping{
		Name:        "pattern-map",
		SourceKG:    "agent-local",
		TargetKG:    "org-global",
		SourceLabel: schema.LabelPattern,
		TargetLabel: schema.LabelPattern,
		FieldMap:    map[string]string{"origin": "contributed_by"},
		Immutable:   []string{"contributed_by"},
	}))

	_, err = f.mgr.Synchronize(ctx, "promote-patterns", nil)
	require.NoError(t, err)
	node, err := f.global.GetNode(ctx, schema.LabelPattern, "p1")
	require.NoError(t, err)
	assert.Equal(t, "team-a", node.Props["contributed_by"])
	_, hasOrigin := node.Props["origin"]
	assert.False(t, hasOrigin)

	// a newer source update must not touch the immutable field
	_, err = f.local.UpdateNode(ctx, schema.LabelPattern, "p1", map[string]any{
		"origin": "team-b", "updated_at": now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = f.mgr.Synchronize(ctx, "promote-patterns", nil)
	require.NoError(t, err)
	node, err = f.global.GetNode(ctx, schema.LabelPattern, "p1")
	require.NoError(t, err)
	assert.Equal(t, "team-a", node.Props["contributed_by"])
}

func TestSynchronize_DefersDanglingRelationships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("dec1", "accepted", now))
	require.NoError(t, err)
	agentProps := map[string]any{
		"id": "ag1", "name": "planner", "type": "planner", "layer": "gov",
		"status": "active", "created_at": now, "updated_at": now,
	}
	_, err = f.local.CreateNode(ctx, schema.LabelAgent, agentProps)
	require.NoError(t, err)
	_, err = f.local.CreateRelationship(ctx, graph.Relationship{
		Type:        schema.RelMadeBy,
		SourceLabel: schema.LabelDecision, SourceID: "dec1",
		TargetLabel: schema.LabelAgent, TargetID: "ag1",
	})
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterRule(ctx, promotionRule(syncdom.Cadence{Kind: syncdom.Manual})))

	// Act: the agent is not in scope, so the MADE_BY edge is deferred
	res, err := f.mgr.Synchronize(ctx, "promote-decisions", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	// once the agent exists in the global graph, a rerun picks the edge up
	_, err = f.global.CreateNode(ctx, schema.LabelAgent, agentProps)
	require.NoError(t, err)
	res, err = f.mgr.Synchronize(ctx, "promote-decisions", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deferred)
	rels, err := f.global.FindRelationships(ctx, graph.RelFilter{Type: schema.RelMadeBy})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestSynchronize_SpecificItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("a", "accepted", now))
	require.NoError(t, err)
	_, err = f.local.CreateNode(ctx, schema.LabelDecision, decisionProps("b", "accepted", now))
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterRule(ctx, promotionRule(syncdom.Cadence{Kind: syncdom.Manual})))

	res, err := f.mgr.Synchronize(ctx, "promote-decisions", []string{"b"})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	_, err = f.global.GetNode(ctx, schema.LabelDecision, "a")
	assert.True(t, errors.IsNotFound(err))
}

func TestRegisterRule_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.mgr.RegisterRule(ctx, syncdom.Rule{
		Name: "bad", SourceKG: "agent-local", TargetKG: "nope",
		Direction: syncdom.LocalToGlobal,
		Labels:    []schema.Label{schema.LabelDecision},
		Cadence:   syncdom.Cadence{Kind: syncdom.Manual},
	})
	assert.True(t, errors.IsNotFound(err))

	err = f.mgr.RegisterRule(ctx, syncdom.Rule{
		Name: "bad2", SourceKG: "agent-local", TargetKG: "org-global",
		Direction: syncdom.LocalToGlobal,
		Labels:    []schema.Label{schema.LabelDecision},
		Cadence:   syncdom.Cadence{Kind: syncdom.Scheduled},
	})
	assert.True(t, errors.IsValidation(err))

	rule := promotionRule(syncdom.Cadence{Kind: syncdom.Manual})
	require.NoError(t, f.mgr.RegisterRule(ctx, rule))
	assert.True(t, errors.IsDuplicate(f.mgr.RegisterRule(ctx, rule)))
}

func TestReadAcross_AccessPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	_, err := f.global.CreateNode(ctx, schema.LabelDecision, decisionProps("sec1", "restricted", now))
	require.NoError(t, err)
	require.NoError(t, f.mgr.RegisterPolicy(ctx, syncdom.Policy{
		Name:  "restricted-reads",
		Kind:  syncdom.Access,
		Scope: []string{"*"},
		Decide: func(c syncdom.Candidate, requester string) bool {
			return c.Props["status"] != "restricted" || requester == "auditor"
		},
	}))

	_, err = f.mgr.ReadAcross(ctx, "org-global", schema.LabelDecision, "sec1", "random-agent")
	assert.True(t, errors.IsNotFound(err))

	node, err := f.mgr.ReadAcross(ctx, "org-global", schema.LabelDecision, "sec1", "auditor")
	require.NoError(t, err)
	assert.Equal(t, "sec1", node.ID())
}
