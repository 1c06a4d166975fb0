// Package events is the event pipeline: a graph-backed append-only log,
// a bounded worker pool dispatching to filters and handlers, and an
// in-memory correlation engine emitting higher-order events.
package events

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/event"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

// Log persists events as graph nodes. Events are append-only: nothing here
// updates or deletes an Event node.
type Log struct {
	store    graph.Store
	registry *schema.Registry
	clock    ports.Clock
	logger   *zap.Logger
}

func NewLog(store graph.Store, registry *schema.Registry, clock ports.Clock, logger *zap.Logger) *Log {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, registry: registry, clock: clock, logger: logger}
}

// Persist writes the event node and links it to its related nodes. Missing
// ID and timestamp are filled in; the persisted event is returned.
func (l *Log) Persist(ctx context.Context, ev event.Event) (event.Event, error) {
	if ev.Type == "" {
		return event.Event{}, errors.NewValidation("event type is required")
	}
	if ev.Source == "" {
		return event.Event{}, errors.NewValidation("event source is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}
	props := map[string]any{
		"id":         ev.ID,
		"type":       ev.Type,
		"timestamp":  ev.Timestamp,
		"source":     ev.Source,
		"created_at": ev.Timestamp,
		"updated_at": ev.Timestamp,
	}
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return event.Event{}, errors.Wrap(err, errors.KindValidation, "encoding event metadata")
		}
		props["metadata"] = string(raw)
	}
	if err := l.registry.Validate(schema.LabelEvent, props); err != nil {
		return event.Event{}, err
	}
	if _, err := l.store.CreateNode(ctx, schema.LabelEvent, props); err != nil {
		return event.Event{}, err
	}
	for _, ref := range ev.Related {
		_, err := l.store.CreateRelationship(ctx, graph.Relationship{
			Type:        schema.RelRelatedTo,
			SourceLabel: schema.LabelEvent, SourceID: ev.ID,
			TargetLabel: ref.Label, TargetID: ref.ID,
			Props: map[string]any{"created_at": ev.Timestamp},
		})
		if err != nil {
			// The event node is already durable; a dangling ref must not
			// undo that.
			l.logger.Warn("event reference skipped",
				zap.String("event_id", ev.ID),
				zap.String("ref_label", string(ref.Label)),
				zap.String("ref_id", ref.ID),
				zap.Error(err))
		}
	}
	return ev, nil
}

// FindByType returns events of the given type at or after since, newest
// first.
func (l *Log) FindByType(ctx context.Context, eventType string, since time.Time, limit int) ([]event.Event, error) {
	nodes, err := l.store.FindNodes(ctx, schema.LabelEvent, map[string]any{"type": eventType}, 0, 0)
	if err != nil {
		return nil, err
	}
	return collectEvents(nodes, since, limit), nil
}

// FindBySource returns events from one emitter at or after since.
func (l *Log) FindBySource(ctx context.Context, source string, since time.Time, limit int) ([]event.Event, error) {
	nodes, err := l.store.FindNodes(ctx, schema.LabelEvent, map[string]any{"source": source}, 0, 0)
	if err != nil {
		return nil, err
	}
	return collectEvents(nodes, since, limit), nil
}

// FindRelated returns events linked to a node, optionally narrowed by type
// patterns.
func (l *Log) FindRelated(ctx context.Context, label schema.Label, id string, patterns []string, since time.Time, limit int) ([]event.Event, error) {
	nodes, err := l.store.Neighborhood(ctx, graph.NeighborQuery{
		Label: label, ID: id,
		Rel: schema.RelRelatedTo, Direction: graph.Incoming,
		NeighborLabel: schema.LabelEvent,
	})
	if err != nil {
		return nil, err
	}
	all := collectEvents(nodes, since, 0)
	if len(patterns) == 0 {
		return trim(all, limit), nil
	}
	var out []event.Event
	for _, ev := range all {
		for _, p := range patterns {
			if event.MatchType(p, ev.Type) {
				out = append(out, ev)
				break
			}
		}
	}
	return trim(out, limit), nil
}

// CreateSequence records an ordered chain of already-persisted events: an
// EventSequence node pointing at the first event, with NEXT_STEP links
// between consecutive events.
func (l *Log) CreateSequence(ctx context.Context, name string, eventIDs []string) (string, error) {
	if len(eventIDs) == 0 {
		return "", errors.NewValidation("a sequence needs at least one event")
	}
	for _, id := range eventIDs {
		if _, err := l.store.GetNode(ctx, schema.LabelEvent, id); err != nil {
			return "", err
		}
	}
	now := l.clock.Now()
	seqID := uuid.NewString()
	props := map[string]any{
		"id": seqID, "name": name,
		"created_at": now, "updated_at": now,
	}
	if err := l.registry.Validate(schema.LabelEventSequence, props); err != nil {
		return "", err
	}
	if _, err := l.store.CreateNode(ctx, schema.LabelEventSequence, props); err != nil {
		return "", err
	}
	if _, err := l.store.CreateRelationship(ctx, graph.Relationship{
		Type:        schema.RelNextStep,
		SourceLabel: schema.LabelEventSequence, SourceID: seqID,
		TargetLabel: schema.LabelEvent, TargetID: eventIDs[0],
		Props: map[string]any{"created_at": now},
	}); err != nil {
		return "", err
	}
	for i := 0; i+1 < len(eventIDs); i++ {
		if _, err := l.store.CreateRelationship(ctx, graph.Relationship{
			Type:        schema.RelNextStep,
			SourceLabel: schema.LabelEvent, SourceID: eventIDs[i],
			TargetLabel: schema.LabelEvent, TargetID: eventIDs[i+1],
			Props: map[string]any{"created_at": now},
		}); err != nil {
			return "", err
		}
	}
	return seqID, nil
}

func collectEvents(nodes []graph.Node, since time.Time, limit int) []event.Event {
	out := make([]event.Event, 0, len(nodes))
	for _, n := range nodes {
		ev := eventFromProps(n.Props)
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	sortEventsDesc(out)
	return trim(out, limit)
}

func trim(evs []event.Event, limit int) []event.Event {
	if limit > 0 && len(evs) > limit {
		return evs[:limit]
	}
	return evs
}

func sortEventsDesc(evs []event.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Timestamp.After(evs[j].Timestamp)
	})
}

func eventFromProps(props map[string]any) event.Event {
	ev := event.Event{}
	ev.ID, _ = props["id"].(string)
	ev.Type, _ = props["type"].(string)
	ev.Source, _ = props["source"].(string)
	ev.Timestamp, _ = graph.AsTime(props["timestamp"])
	if raw, ok := props["metadata"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &ev.Metadata)
	}
	return ev
}
