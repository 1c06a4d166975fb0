package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/application/events"
	"fabric/domain/event"
	"fabric/domain/schema"
	"fabric/infrastructure/graph/memgraph"
	"fabric/pkg/errors"
)

func newPipeline(t *testing.T, cfg events.ProcessorConfig) (*events.Processor, *events.Log, *memgraph.Store) {
	t.Helper()
	store := memgraph.New(nil)
	registry := schema.NewRegistry(nil, 0)
	require.NoError(t, registry.Initialize(context.Background(), store))
	log := events.NewLog(store, registry, nil, nil)
	p := events.NewProcessor(cfg, log, nil, nil)
	p.Start()
	t.Cleanup(func() { p.Stop(true) })
	return p, log, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLog_PersistsBeforeDispatch(t *testing.T) {
	// Arrange
	p, log, _ := newPipeline(t, events.ProcessorConfig{})
	ctx := context.Background()

	// Act
	ev, err := p.Log(ctx, event.Event{Type: "task.started", Source: "agent/a1"})

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	found, err := log.FindByType(ctx, "task.started", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ev.ID, found[0].ID)
}

func TestLog_ZeroWaitConfigStillAccepts(t *testing.T) {
	// Arrange: an explicit zero wait falls back to the default bound
	p, _, _ := newPipeline(t, events.ProcessorConfig{
		QueueCapacity: 8, WorkerCount: 1, BackpressureWait: 0,
	})

	// Act: the queue is empty, so Log must not report backpressure
	_, err := p.Log(context.Background(), event.Event{Type: "task.started", Source: "s"})

	// Assert
	assert.NoError(t, err)
}

func TestSubscribe_GlobDispatch(t *testing.T) {
	p, _, _ := newPipeline(t, events.ProcessorConfig{})
	var mu sync.Mutex
	var got []string
	p.Subscribe("task.*", func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})

	_, err := p.Log(context.Background(), event.Event{Type: "task.started", Source: "s"})
	require.NoError(t, err)
	_, err = p.Log(context.Background(), event.Event{Type: "sync.started", Source: "s"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task.started"}, got)
}

func TestFilter_DiscardsButKeepsPersisted(t *testing.T) {
	p, log, _ := newPipeline(t, events.ProcessorConfig{})
	var mu sync.Mutex
	handled := 0
	p.AddFilter("noise.*", func(ev event.Event) bool { return false })
	p.Subscribe("*", func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	_, err := p.Log(context.Background(), event.Event{Type: "noise.ping", Source: "s"})
	require.NoError(t, err)

	// discarded events never reach handlers but stay in the log
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, handled)
	mu.Unlock()
	found, err := log.FindByType(context.Background(), "noise.ping", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestPerSourceOrdering(t *testing.T) {
	p, _, _ := newPipeline(t, events.ProcessorConfig{WorkerCount: 4})
	var mu sync.Mutex
	var got []string
	p.Subscribe("seq.*", func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		got = append(got, ev.Metadata["n"].(string))
		mu.Unlock()
		return nil
	})

	for _, n := range []string{"1", "2", "3", "4", "5"} {
		_, err := p.Log(context.Background(), event.Event{
			Type: "seq.tick", Source: "same-source",
			Metadata: map[string]any{"n": n},
		})
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

func TestBackpressure_RejectsWithoutPersisting(t *testing.T) {
	// Arrange: one slot, a handler that blocks the only worker
	p, log, _ := newPipeline(t, events.ProcessorConfig{
		QueueCapacity: 1, WorkerCount: 1, BackpressureWait: 50 * time.Millisecond,
	})
	release := make(chan struct{})
	p.Subscribe("*", func(ctx context.Context, ev event.Event) error {
		<-release
		return nil
	})
	defer close(release)

	_, err := p.Log(context.Background(), event.Event{Type: "a.b", Source: "s"})
	require.NoError(t, err)

	// Act: the queue slot is still held by the in-flight event
	_, err = p.Log(context.Background(), event.Event{Type: "a.c", Source: "s"})

	// Assert
	require.Error(t, err)
	assert.True(t, errors.IsBackpressure(err))
	found, ferr := log.FindByType(context.Background(), "a.c", time.Time{}, 0)
	require.NoError(t, ferr)
	assert.Empty(t, found, "rejected event must not be persisted")
}

func TestStop_RejectsNewEvents(t *testing.T) {
	p, _, _ := newPipeline(t, events.ProcessorConfig{})
	p.Stop(true)

	_, err := p.Log(context.Background(), event.Event{Type: "a.b", Source: "s"})

	assert.True(t, errors.IsProcessorStopped(err))
}

func TestCorrelation_TaskSucceeded(t *testing.T) {
	// Arrange
	p, log, _ := newPipeline(t, events.ProcessorConfig{})
	require.NoError(t, p.AddCorrelation(events.CorrelationRule{
		Name:      "task-succeeded",
		Types:     []string{"task.started", "task.completed"},
		Window:    time.Minute,
		MatchKeys: []string{"task_id"},
		Emit:      event.Event{Type: "task.succeeded"},
	}))

	// Act
	started, err := p.Log(context.Background(), event.Event{
		Type: "task.started", Source: "agent/a1",
		Metadata: map[string]any{"task_id": "t42"},
	})
	require.NoError(t, err)
	completed, err := p.Log(context.Background(), event.Event{
		Type: "task.completed", Source: "agent/a1",
		Metadata: map[string]any{"task_id": "t42"},
	})
	require.NoError(t, err)

	// Assert
	var emitted []event.Event
	waitFor(t, func() bool {
		var ferr error
		emitted, ferr = log.FindByType(context.Background(), "task.succeeded", time.Time{}, 0)
		require.NoError(t, ferr)
		return len(emitted) == 1
	})
	assert.Equal(t, "t42", emitted[0].Metadata["task_id"])

	related, err := log.FindRelated(context.Background(), schema.LabelEvent, started.ID, nil, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "task.succeeded", related[0].Type)
	related, err = log.FindRelated(context.Background(), schema.LabelEvent, completed.ID, nil, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
}

func TestCorrelation_DifferentKeysDoNotMatch(t *testing.T) {
	p, log, _ := newPipeline(t, events.ProcessorConfig{})
	require.NoError(t, p.AddCorrelation(events.CorrelationRule{
		Name:      "task-succeeded",
		Types:     []string{"task.started", "task.completed"},
		Window:    time.Minute,
		MatchKeys: []string{"task_id"},
		Emit:      event.Event{Type: "task.succeeded"},
	}))

	_, err := p.Log(context.Background(), event.Event{
		Type: "task.started", Source: "s", Metadata: map[string]any{"task_id": "t1"},
	})
	require.NoError(t, err)
	_, err = p.Log(context.Background(), event.Event{
		Type: "task.completed", Source: "s", Metadata: map[string]any{"task_id": "t2"},
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	emitted, err := log.FindByType(context.Background(), "task.succeeded", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, emitted)
}

func TestHandlerPanic_DoesNotKillWorker(t *testing.T) {
	p, _, _ := newPipeline(t, events.ProcessorConfig{WorkerCount: 1})
	var mu sync.Mutex
	handled := 0
	p.Subscribe("boom.*", func(ctx context.Context, ev event.Event) error {
		panic("handler bug")
	})
	p.Subscribe("ok.*", func(ctx context.Context, ev event.Event) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	_, err := p.Log(context.Background(), event.Event{Type: "boom.x", Source: "s"})
	require.NoError(t, err)
	_, err = p.Log(context.Background(), event.Event{Type: "ok.x", Source: "s"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	})
}

func TestCreateSequence(t *testing.T) {
	p, log, store := newPipeline(t, events.ProcessorConfig{})
	ctx := context.Background()
	e1, err := p.Log(ctx, event.Event{Type: "workflow.plan.done", Source: "w"})
	require.NoError(t, err)
	e2, err := p.Log(ctx, event.Event{Type: "workflow.build.done", Source: "w"})
	require.NoError(t, err)

	seqID, err := log.CreateSequence(ctx, "release", []string{e1.ID, e2.ID})

	require.NoError(t, err)
	assert.NotEmpty(t, seqID)
	node, err := store.GetNode(ctx, schema.LabelEventSequence, seqID)
	require.NoError(t, err)
	assert.Equal(t, "release", node.Props["name"])
}

func TestLogAgentAction_LinksAgent(t *testing.T) {
	p, log, store := newPipeline(t, events.ProcessorConfig{})
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.CreateNode(ctx, schema.LabelAgent, map[string]any{
		"id": "a1", "name": "planner", "type": "planner", "layer": "gov",
		"status": "active", "created_at": now, "updated_at": now,
	})
	require.NoError(t, err)

	ev, err := p.LogAgentAction(ctx, "a1", "plan", map[string]any{"scope": "release"})

	require.NoError(t, err)
	assert.Equal(t, "agent.action.plan", ev.Type)
	related, err := log.FindRelated(ctx, schema.LabelAgent, "a1", []string{"agent.*"}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, ev.ID, related[0].ID)
}
