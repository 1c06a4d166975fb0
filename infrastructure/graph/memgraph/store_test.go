package memgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/infrastructure/graph/memgraph"
	"fabric/pkg/errors"
)

func mustCreate(t *testing.T, s *memgraph.Store, label schema.Label, id string, extra map[string]any) {
	t.Helper()
	props := map[string]any{"id": id}
	for k, v := range extra {
		props[k] = v
	}
	_, err := s.CreateNode(context.Background(), label, props)
	require.NoError(t, err)
}

func TestCreateNode_DuplicateID(t *testing.T) {
	// Arrange
	s := memgraph.New(nil)
	mustCreate(t, s, schema.LabelDomain, "d1", nil)

	// Act
	_, err := s.CreateNode(context.Background(), schema.LabelDomain, map[string]any{"id": "d1"})

	// Assert
	assert.True(t, errors.IsDuplicate(err))
}

func TestGetNode_NotFound(t *testing.T) {
	s := memgraph.New(nil)
	_, err := s.GetNode(context.Background(), schema.LabelDomain, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetNode_ReturnsCopy(t *testing.T) {
	s := memgraph.New(nil)
	mustCreate(t, s, schema.LabelDomain, "d1", map[string]any{"name": "a"})

	n1, err := s.GetNode(context.Background(), schema.LabelDomain, "d1")
	require.NoError(t, err)
	n1.Props["name"] = "mutated"

	n2, err := s.GetNode(context.Background(), schema.LabelDomain, "d1")
	require.NoError(t, err)
	assert.Equal(t, "a", n2.Props["name"])
}

func TestFindNodes_FilterLimitOffset(t *testing.T) {
	s := memgraph.New(nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		status := "open"
		if id == "d" {
			status = "closed"
		}
		mustCreate(t, s, schema.LabelProject, id, map[string]any{"status": status})
	}

	open, err := s.FindNodes(context.Background(), schema.LabelProject, map[string]any{"status": "open"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	page, err := s.FindNodes(context.Background(), schema.LabelProject, nil, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID())
	assert.Equal(t, "c", page[1].ID())
}

func TestDeleteNode_Detaches(t *testing.T) {
	// Arrange
	s := memgraph.New(nil)
	ctx := context.Background()
	mustCreate(t, s, schema.LabelComponent, "c1", nil)
	mustCreate(t, s, schema.LabelComponent, "c2", nil)
	_, err := s.CreateRelationship(ctx, graph.Relationship{
		Type:        schema.RelDependsOn,
		SourceLabel: schema.LabelComponent, SourceID: "c1",
		TargetLabel: schema.LabelComponent, TargetID: "c2",
	})
	require.NoError(t, err)

	// Act
	require.NoError(t, s.DeleteNode(ctx, schema.LabelComponent, "c2"))

	// Assert
	rels, err := s.FindRelationships(ctx, graph.RelFilter{Type: schema.RelDependsOn})
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestCreateRelationship_MissingEndpoint(t *testing.T) {
	s := memgraph.New(nil)
	mustCreate(t, s, schema.LabelComponent, "c1", nil)

	_, err := s.CreateRelationship(context.Background(), graph.Relationship{
		Type:        schema.RelDependsOn,
		SourceLabel: schema.LabelComponent, SourceID: "c1",
		TargetLabel: schema.LabelComponent, TargetID: "ghost",
	})

	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateRelationships(t *testing.T) {
	s := memgraph.New(nil)
	ctx := context.Background()
	mustCreate(t, s, schema.LabelMemory, "m1", nil)
	mustCreate(t, s, schema.LabelMemory, "m2", nil)
	_, err := s.CreateRelationship(ctx, graph.Relationship{
		Type:        schema.RelRelatedTo,
		SourceLabel: schema.LabelMemory, SourceID: "m1",
		TargetLabel: schema.LabelMemory, TargetID: "m2",
		Props:       map[string]any{"strength": 0.3},
	})
	require.NoError(t, err)

	n, err := s.UpdateRelationships(ctx, graph.RelFilter{
		Type:     schema.RelRelatedTo,
		SourceID: "m1", TargetID: "m2",
	}, map[string]any{"strength": 0.9})

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rels, err := s.FindRelationships(ctx, graph.RelFilter{SourceID: "m1"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.9, rels[0].Props["strength"])
}

func TestNeighborhood_Directions(t *testing.T) {
	s := memgraph.New(nil)
	ctx := context.Background()
	mustCreate(t, s, schema.LabelDomain, "d1", nil)
	mustCreate(t, s, schema.LabelProject, "p1", nil)
	mustCreate(t, s, schema.LabelProject, "p2", nil)
	for _, p := range []string{"p1", "p2"} {
		_, err := s.CreateRelationship(ctx, graph.Relationship{
			Type:        schema.RelBelongsTo,
			SourceLabel: schema.LabelProject, SourceID: p,
			TargetLabel: schema.LabelDomain, TargetID: "d1",
		})
		require.NoError(t, err)
	}

	projects, err := s.Neighborhood(ctx, graph.NeighborQuery{
		Label: schema.LabelDomain, ID: "d1",
		Rel: schema.RelBelongsTo, Direction: graph.Incoming,
		NeighborLabel: schema.LabelProject,
	})
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	domains, err := s.Neighborhood(ctx, graph.NeighborQuery{
		Label: schema.LabelProject, ID: "p1",
		Rel: schema.RelBelongsTo, Direction: graph.Outgoing,
	})
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "d1", domains[0].ID())
}

func TestReachable_TransitiveChain(t *testing.T) {
	s := memgraph.New(nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, schema.LabelComponent, id, nil)
	}
	link := func(from, to string) {
		_, err := s.CreateRelationship(ctx, graph.Relationship{
			Type:        schema.RelDependsOn,
			SourceLabel: schema.LabelComponent, SourceID: from,
			TargetLabel: schema.LabelComponent, TargetID: to,
		})
		require.NoError(t, err)
	}
	link("a", "b")
	link("b", "c")

	ok, err := s.Reachable(ctx, schema.LabelComponent, "a", schema.RelDependsOn, "c", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reachable(ctx, schema.LabelComponent, "c", schema.RelDependsOn, "a", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReachable_SkippedEdgesBreakThePath(t *testing.T) {
	// Arrange: a -> b is weak, b -> c is strong
	s := memgraph.New(nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, schema.LabelComponent, id, nil)
	}
	link := func(from, to string, props map[string]any) {
		_, err := s.CreateRelationship(ctx, graph.Relationship{
			Type:        schema.RelDependsOn,
			SourceLabel: schema.LabelComponent, SourceID: from,
			TargetLabel: schema.LabelComponent, TargetID: to,
			Props: props,
		})
		require.NoError(t, err)
	}
	link("a", "b", map[string]any{"dependency_type": "weak"})
	link("b", "c", nil)

	// Act / Assert: skipping weak edges cuts the only route
	ok, err := s.Reachable(ctx, schema.LabelComponent, "a", schema.RelDependsOn, "c",
		map[string]any{"dependency_type": "weak"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Reachable(ctx, schema.LabelComponent, "a", schema.RelDependsOn, "c", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFindNodes_SliceFilterValue(t *testing.T) {
	// A filter holding a non-comparable value must match, not panic.
	s := memgraph.New(nil)
	ctx := context.Background()
	mustCreate(t, s, schema.LabelPattern, "p1", map[string]any{"tags": []string{"go", "graph"}})
	mustCreate(t, s, schema.LabelPattern, "p2", map[string]any{"tags": []string{"go"}})

	nodes, err := s.FindNodes(ctx, schema.LabelPattern,
		map[string]any{"tags": []string{"go", "graph"}}, 0, 0)

	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "p1", nodes[0].ID())
}

func TestClosedStore(t *testing.T) {
	s := memgraph.New(nil)
	require.NoError(t, s.Close(context.Background()))

	_, err := s.GetNode(context.Background(), schema.LabelDomain, "x")
	assert.True(t, errors.IsUnavailable(err))
}
