// Package persistence implements the typed repositories over a graph
// store. Every write stamps timestamps from the injected clock and is
// validated against the schema registry before it reaches the backend.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

// Codec converts between an entity type and its property map.
type Codec[T any] struct {
	ToProps   func(T) map[string]any
	FromProps func(map[string]any) T
}

// NodeRepository is the generic CRUD layer for one node label.
type NodeRepository[T any] struct {
	store    graph.Store
	registry *schema.Registry
	label    schema.Label
	codec    Codec[T]
	clock    ports.Clock
	logger   *zap.Logger
}

func NewNodeRepository[T any](
	store graph.Store,
	registry *schema.Registry,
	label schema.Label,
	codec Codec[T],
	clock ports.Clock,
	logger *zap.Logger,
) *NodeRepository[T] {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeRepository[T]{
		store:    store,
		registry: registry,
		label:    label,
		codec:    codec,
		clock:    clock,
		logger:   logger.With(zap.String("label", string(label))),
	}
}

// Label returns the label this repository manages.
func (r *NodeRepository[T]) Label() schema.Label { return r.label }

// Create persists a new entity. A missing ID is generated; timestamps are
// stamped from the clock. Duplicate IDs surface as Duplicate errors.
func (r *NodeRepository[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	props := r.codec.ToProps(entity)
	if id, _ := props["id"].(string); id == "" {
		props["id"] = uuid.NewString()
	}
	now := r.clock.Now()
	if !hasTime(props, "created_at") {
		props["created_at"] = now
	}
	if !hasTime(props, "updated_at") {
		props["updated_at"] = now
	}
	if err := r.registry.Validate(r.label, props); err != nil {
		return zero, err
	}
	node, err := r.store.CreateNode(ctx, r.label, props)
	if err != nil {
		return zero, err
	}
	r.logger.Debug("node created", zap.String("id", node.ID()))
	return r.codec.FromProps(node.Props), nil
}

// FindByID loads one entity.
func (r *NodeRepository[T]) FindByID(ctx context.Context, id string) (T, error) {
	var zero T
	node, err := r.store.GetNode(ctx, r.label, id)
	if err != nil {
		return zero, err
	}
	return r.codec.FromProps(node.Props), nil
}

// FindByProperty returns entities whose property equals value.
func (r *NodeRepository[T]) FindByProperty(ctx context.Context, name string, value any, limit int) ([]T, error) {
	nodes, err := r.store.FindNodes(ctx, r.label, map[string]any{name: value}, limit, 0)
	if err != nil {
		return nil, err
	}
	return r.fromNodes(nodes), nil
}

// FindAll pages through every entity of the label.
func (r *NodeRepository[T]) FindAll(ctx context.Context, limit, offset int) ([]T, error) {
	nodes, err := r.store.FindNodes(ctx, r.label, nil, limit, offset)
	if err != nil {
		return nil, err
	}
	return r.fromNodes(nodes), nil
}

// Count returns how many nodes carry the label.
func (r *NodeRepository[T]) Count(ctx context.Context) (int64, error) {
	return r.store.CountNodes(ctx, r.label)
}

// Update applies a partial property change. Identity and creation time are
// immutable; updated_at is stamped by the repository, never by the caller.
func (r *NodeRepository[T]) Update(ctx context.Context, id string, changes map[string]any) (T, error) {
	var zero T
	for _, k := range []string{"id", "created_at"} {
		if _, ok := changes[k]; ok {
			return zero, errors.Newf(errors.KindValidation, "property %q is immutable", k)
		}
	}
	if err := r.registry.ValidatePartial(r.label, changes); err != nil {
		return zero, err
	}
	props := graph.CloneProps(changes)
	props["updated_at"] = r.clock.Now()
	node, err := r.store.UpdateNode(ctx, r.label, id, props)
	if err != nil {
		return zero, err
	}
	return r.codec.FromProps(node.Props), nil
}

// Delete removes the entity and every relationship attached to it.
func (r *NodeRepository[T]) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteNode(ctx, r.label, id); err != nil {
		return err
	}
	r.logger.Debug("node deleted", zap.String("id", id))
	return nil
}

func (r *NodeRepository[T]) fromNodes(nodes []graph.Node) []T {
	out := make([]T, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, r.codec.FromProps(n.Props))
	}
	return out
}

// neighbors maps a 1-hop traversal into entities of this repository's type.
func (r *NodeRepository[T]) neighbors(ctx context.Context, q graph.NeighborQuery) ([]T, error) {
	q.NeighborLabel = r.label
	nodes, err := r.store.Neighborhood(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.fromNodes(nodes), nil
}

func hasTime(props map[string]any, key string) bool {
	t, ok := props[key].(time.Time)
	return ok && !t.IsZero()
}
