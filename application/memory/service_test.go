package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/application/memory"
	"fabric/application/ports"
	dommem "fabric/domain/memory"
	"fabric/domain/schema"
	"fabric/infrastructure/graph/memgraph"
	"fabric/pkg/errors"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newService(t *testing.T, embedder ports.Embedder) (*memory.Service, *stepClock) {
	t.Helper()
	store := memgraph.New(nil)
	registry := schema.NewRegistry(nil, 0)
	require.NoError(t, registry.Initialize(context.Background(), store))
	clock := &stepClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	svc := memory.NewService(store, registry, clock, embedder,
		dommem.DefaultWeights(), dommem.DefaultDecayLambda, nil)
	return svc, clock
}

func TestStore_Validation(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	_, err := svc.Store(ctx, "", nil, dommem.Episodic, 0.5)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.Store(ctx, "x", nil, dommem.Episodic, 1.5)
	assert.True(t, errors.IsValidation(err))
}

func TestRecall_AccessStatsLeaveUpdatedAtAlone(t *testing.T) {
	// Arrange
	store := memgraph.New(nil)
	registry := schema.NewRegistry(nil, 0)
	require.NoError(t, registry.Initialize(context.Background(), store))
	clock := &stepClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	svc := memory.NewService(store, registry, clock, nil,
		dommem.DefaultWeights(), dommem.DefaultDecayLambda, nil)
	ctx := context.Background()
	id, err := svc.Store(ctx, "note", nil, dommem.Working, 0.5)
	require.NoError(t, err)
	before, err := store.GetNode(ctx, schema.LabelMemory, id)
	require.NoError(t, err)

	// Act
	clock.advance(time.Hour)
	rec, err := svc.Recall(ctx, id)

	// Assert: access bookkeeping moved, the content timestamp did not
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.AccessCount)
	after, err := store.GetNode(ctx, schema.LabelMemory, id)
	require.NoError(t, err)
	assert.Equal(t, before.Props["updated_at"], after.Props["updated_at"])
	assert.Equal(t, clock.Now(), rec.LastAccessed)
}

func TestRecallByContext_Ranking(t *testing.T) {
	// Arrange: the seed scenario
	svc, _ := newService(t, nil)
	ctx := context.Background()
	m1, err := svc.Store(ctx, "auth design", map[string]string{"project": "P1", "topic": "auth"}, dommem.Semantic, 0.5)
	require.NoError(t, err)
	m2, err := svc.Store(ctx, "db sizing", map[string]string{"project": "P1", "topic": "db"}, dommem.Semantic, 0.5)
	require.NoError(t, err)
	m3, err := svc.Store(ctx, "auth rollout", map[string]string{"project": "P2", "topic": "auth"}, dommem.Semantic, 0.5)
	require.NoError(t, err)

	// Act / Assert: project=P1 matches only the first two
	got, err := svc.RecallByContext(ctx, map[string]string{"project": "P1"}, 0)
	require.NoError(t, err)
	ids := recordIDs(got)
	assert.ElementsMatch(t, []string{m1, m2}, ids)

	// topic=auth matches the first and third
	got, err = svc.RecallByContext(ctx, map[string]string{"topic": "auth"}, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{m1, m3}, recordIDs(got))

	// both keys rank the exact match first
	got, err = svc.RecallByContext(ctx, map[string]string{"project": "P1", "topic": "auth"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m1, got[0].ID)
}

func recordIDs(recs []dommem.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestRecall_TouchesAccessStats(t *testing.T) {
	svc, clock := newService(t, nil)
	ctx := context.Background()
	id, err := svc.Store(ctx, "note", nil, dommem.Working, 0.5)
	require.NoError(t, err)

	clock.advance(time.Hour)
	rec, err := svc.Recall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.AccessCount)
	assert.Equal(t, clock.Now(), rec.LastAccessed)

	rec, err = svc.Recall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.AccessCount)
}

func TestImportanceDecay_AffectsRanking(t *testing.T) {
	// Arrange: same context, one old important memory vs one fresh less
	// important one; with heavy decay the fresh one wins.
	svc, clock := newService(t, nil)
	svc.SetDecayLambda(0.5)
	ctx := context.Background()
	old, err := svc.Store(ctx, "old", map[string]string{"k": "v"}, dommem.Episodic, 0.9)
	require.NoError(t, err)
	clock.advance(48 * time.Hour)
	fresh, err := svc.Store(ctx, "fresh", map[string]string{"k": "v"}, dommem.Episodic, 0.4)
	require.NoError(t, err)

	got, err := svc.RecallByContext(ctx, map[string]string{"k": "v"}, 0)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh, got[0].ID)
	assert.Equal(t, old, got[1].ID)
}

func TestStore_WithEmbedder(t *testing.T) {
	svc, _ := newService(t, ports.StaticEmbedder{Dims: 16})
	ctx := context.Background()
	id, err := svc.Store(ctx, "alpha", map[string]string{"topic": "x"}, dommem.Semantic, 0.5)
	require.NoError(t, err)

	rec, err := svc.Recall(ctx, id)

	require.NoError(t, err)
	assert.Len(t, rec.Embedding, 16)

	got, err := svc.RecallByContext(ctx, map[string]string{"topic": "x"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestRecallByType(t *testing.T) {
	svc, clock := newService(t, nil)
	ctx := context.Background()
	_, err := svc.Store(ctx, "e1", nil, dommem.Episodic, 0.5)
	require.NoError(t, err)
	clock.advance(time.Minute)
	second, err := svc.Store(ctx, "e2", nil, dommem.Episodic, 0.5)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "s1", nil, dommem.Semantic, 0.5)
	require.NoError(t, err)

	got, err := svc.RecallByType(ctx, dommem.Episodic, 0)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second, got[0].ID, "newest first")
}

func TestRecallByTimeRange(t *testing.T) {
	svc, clock := newService(t, nil)
	ctx := context.Background()
	_, err := svc.Store(ctx, "early", nil, dommem.Episodic, 0.5)
	require.NoError(t, err)
	clock.advance(2 * time.Hour)
	cut := clock.Now()
	late, err := svc.Store(ctx, "late", nil, dommem.Episodic, 0.5)
	require.NoError(t, err)

	got, err := svc.RecallByTimeRange(ctx, cut, time.Time{}, 0)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late, got[0].ID)
}

func TestAssociate_IdempotentMaxStrength(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	a, err := svc.Store(ctx, "a", nil, dommem.Semantic, 0.5)
	require.NoError(t, err)
	b, err := svc.Store(ctx, "b", nil, dommem.Semantic, 0.5)
	require.NoError(t, err)

	require.NoError(t, svc.Associate(ctx, a, b, "follows", 0.7))
	require.NoError(t, svc.Associate(ctx, a, b, "follows", 0.3))

	rels, err := svc.Associations(ctx, a)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.7, rels[0].Props["strength"], "strength only grows")

	require.NoError(t, svc.Associate(ctx, a, b, "follows", 0.9))
	rels, err = svc.Associations(ctx, a)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.9, rels[0].Props["strength"])
}

func TestAssociate_Validation(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()
	a, err := svc.Store(ctx, "a", nil, dommem.Semantic, 0.5)
	require.NoError(t, err)

	assert.True(t, errors.IsValidation(svc.Associate(ctx, a, a, "self", 0.5)))
	assert.True(t, errors.IsValidation(svc.Associate(ctx, a, "other", "x", 1.5)))
	assert.True(t, errors.IsNotFound(svc.Associate(ctx, a, "ghost", "x", 0.5)))
}

func TestStatsAndPrune(t *testing.T) {
	svc, clock := newService(t, nil)
	svc.SetDecayLambda(0.5)
	ctx := context.Background()
	_, err := svc.Store(ctx, "fades", nil, dommem.Working, 0.2)
	require.NoError(t, err)
	clock.advance(24 * time.Hour)
	keep, err := svc.Store(ctx, "stays", nil, dommem.Semantic, 0.9)
	require.NoError(t, err)

	st, err := svc.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(1), st.ByType[dommem.Working])

	pruned, err := svc.Prune(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	rec, err := svc.Recall(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, "stays", rec.Content)
}
