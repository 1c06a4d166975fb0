package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/domain/knowledge"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/infrastructure/graph/memgraph"
	"fabric/infrastructure/persistence"
	"fabric/pkg/errors"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newRepos(t *testing.T) (*persistence.Repositories, *memgraph.Store) {
	t.Helper()
	store := memgraph.New(nil)
	registry := schema.NewRegistry(nil, 0)
	require.NoError(t, registry.Initialize(context.Background(), store))
	clock := fixedClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	return persistence.NewRepositories(store, registry, clock, nil), store
}

func TestDomainProjectHierarchy(t *testing.T) {
	// Arrange
	repos, _ := newRepos(t)
	ctx := context.Background()

	dom, err := repos.Domains.Create(ctx, knowledge.Domain{Name: "security", Description: "security knowledge"})
	require.NoError(t, err)
	assert.NotEmpty(t, dom.ID)
	assert.False(t, dom.CreatedAt.IsZero())

	proj, err := repos.Projects.Create(ctx, knowledge.Project{
		Name: "audit", Description: "audit pipeline", Status: "active",
	})
	require.NoError(t, err)

	// Act
	_, err = repos.Relationships.Create(ctx,
		schema.LabelProject, proj.ID, schema.RelBelongsTo, schema.LabelDomain, dom.ID, nil)
	require.NoError(t, err)

	// Assert
	found, err := repos.Projects.FindByDomain(ctx, dom.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, proj.ID, found[0].ID)
	assert.Equal(t, "audit", found[0].Name)
}

func TestCreate_MissingRequiredProperty(t *testing.T) {
	repos, _ := newRepos(t)

	_, err := repos.Domains.Create(context.Background(), knowledge.Domain{Name: "no-description"})

	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreate_DuplicateID(t *testing.T) {
	repos, _ := newRepos(t)
	ctx := context.Background()
	d := knowledge.Domain{Name: "a", Description: "b"}
	d.ID = "fixed"
	_, err := repos.Domains.Create(ctx, d)
	require.NoError(t, err)

	_, err = repos.Domains.Create(ctx, d)

	assert.True(t, errors.IsDuplicate(err))
}

func TestUpdate_StampsUpdatedAtAndProtectsIdentity(t *testing.T) {
	repos, _ := newRepos(t)
	ctx := context.Background()
	dom, err := repos.Domains.Create(ctx, knowledge.Domain{Name: "a", Description: "b"})
	require.NoError(t, err)

	_, err = repos.Domains.Update(ctx, dom.ID, map[string]any{"id": "other"})
	assert.True(t, errors.IsValidation(err))

	updated, err := repos.Domains.Update(ctx, dom.ID, map[string]any{"description": "revised"})
	require.NoError(t, err)
	assert.Equal(t, "revised", updated.Description)
	assert.Equal(t, dom.ID, updated.ID)
	assert.Equal(t, dom.CreatedAt, updated.CreatedAt)
}

func TestUpdate_NotFound(t *testing.T) {
	repos, _ := newRepos(t)
	_, err := repos.Domains.Update(context.Background(), "ghost", map[string]any{"name": "x"})
	assert.True(t, errors.IsNotFound(err))
}

func newComponent(t *testing.T, repos *persistence.Repositories, name string) knowledge.Component {
	t.Helper()
	c, err := repos.Components.Create(context.Background(), knowledge.Component{
		Name: name, Description: name, Type: "service", Status: "active",
	})
	require.NoError(t, err)
	return c
}

func TestDependsOn_CyclePrevented(t *testing.T) {
	// Arrange: A -> B -> C
	repos, _ := newRepos(t)
	ctx := context.Background()
	a := newComponent(t, repos, "A")
	b := newComponent(t, repos, "B")
	c := newComponent(t, repos, "C")
	link := func(from, to knowledge.Component, props map[string]any) error {
		_, err := repos.Relationships.Create(ctx,
			schema.LabelComponent, from.ID, schema.RelDependsOn, schema.LabelComponent, to.ID, props)
		return err
	}
	require.NoError(t, link(a, b, nil))
	require.NoError(t, link(b, c, nil))

	// Act: closing the loop must fail
	err := link(c, a, nil)

	// Assert
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "cycle")

	// weak dependencies bypass the check
	require.NoError(t, link(c, a, map[string]any{"dependency_type": "weak"}))
}

func TestDependsOn_WeakLinkDoesNotCloseCycle(t *testing.T) {
	// Arrange: A depends on B only weakly
	repos, _ := newRepos(t)
	ctx := context.Background()
	a := newComponent(t, repos, "A")
	b := newComponent(t, repos, "B")
	_, err := repos.Relationships.Create(ctx,
		schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, b.ID,
		map[string]any{"dependency_type": "weak"})
	require.NoError(t, err)

	// Act: the reverse strong edge loops only through the weak link
	_, err = repos.Relationships.Create(ctx,
		schema.LabelComponent, b.ID, schema.RelDependsOn, schema.LabelComponent, a.ID, nil)

	// Assert: weak links never participate in cycle prevention
	assert.NoError(t, err)
}

func TestDependsOn_SelfLoopRejected(t *testing.T) {
	repos, _ := newRepos(t)
	a := newComponent(t, repos, "A")

	_, err := repos.Relationships.Create(context.Background(),
		schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, a.ID, nil)

	assert.True(t, errors.IsValidation(err))
}

func TestRelationship_MissingEndpoint(t *testing.T) {
	repos, _ := newRepos(t)
	a := newComponent(t, repos, "A")

	_, err := repos.Relationships.Create(context.Background(),
		schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, "ghost", nil)

	assert.True(t, errors.IsNotFound(err))
}

func TestRelationship_CreateIsIdempotent(t *testing.T) {
	repos, store := newRepos(t)
	ctx := context.Background()
	a := newComponent(t, repos, "A")
	b := newComponent(t, repos, "B")

	for i := 0; i < 2; i++ {
		_, err := repos.Relationships.Create(ctx,
			schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, b.ID, nil)
		require.NoError(t, err)
	}

	rels, err := store.FindRelationships(ctx, graph.RelFilter{Type: schema.RelDependsOn})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestDependentsAndDependencies(t *testing.T) {
	repos, _ := newRepos(t)
	ctx := context.Background()
	a := newComponent(t, repos, "A")
	b := newComponent(t, repos, "B")
	_, err := repos.Relationships.Create(ctx,
		schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, b.ID, nil)
	require.NoError(t, err)

	deps, err := repos.Components.FindDependencies(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].ID)

	dependents, err := repos.Components.FindDependents(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, a.ID, dependents[0].ID)
}

func TestDecisions_FindByAgent(t *testing.T) {
	repos, _ := newRepos(t)
	ctx := context.Background()
	agent, err := repos.Agents.Create(ctx, knowledge.Agent{
		Name: "planner", Type: "planner", Layer: "governance", Status: "active",
	})
	require.NoError(t, err)
	dec, err := repos.Decisions.Create(ctx, knowledge.Decision{
		Title: "use graph store", Description: "d", Context: "c", Status: "accepted",
	})
	require.NoError(t, err)
	_, err = repos.Relationships.Create(ctx,
		schema.LabelDecision, dec.ID, schema.RelMadeBy, schema.LabelAgent, agent.ID, nil)
	require.NoError(t, err)

	found, err := repos.Decisions.FindByAgent(ctx, agent.ID)

	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, dec.ID, found[0].ID)
}

func TestDelete_Detaches(t *testing.T) {
	repos, store := newRepos(t)
	ctx := context.Background()
	a := newComponent(t, repos, "A")
	b := newComponent(t, repos, "B")
	_, err := repos.Relationships.Create(ctx,
		schema.LabelComponent, a.ID, schema.RelDependsOn, schema.LabelComponent, b.ID, nil)
	require.NoError(t, err)

	require.NoError(t, repos.Components.Delete(ctx, b.ID))

	rels, err := store.FindRelationships(ctx, graph.RelFilter{Type: schema.RelDependsOn})
	require.NoError(t, err)
	assert.Empty(t, rels)
	_, err = repos.Components.FindByID(ctx, b.ID)
	assert.True(t, errors.IsNotFound(err))
}
