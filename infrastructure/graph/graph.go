// Package graph defines the store contract every graph backend implements.
// Repositories and services program against Store; the bolt package talks
// to a Cypher backend and memgraph keeps everything in process.
package graph

import (
	"context"
	"time"

	"fabric/domain/schema"
)

// Node is a labeled property node. Props always carries "id".
type Node struct {
	Label schema.Label
	Props map[string]any
}

// ID returns the node's identifier property.
func (n Node) ID() string {
	id, _ := n.Props["id"].(string)
	return id
}

// Relationship is a typed, directed edge between two identified nodes.
type Relationship struct {
	Type        schema.RelType
	SourceLabel schema.Label
	SourceID    string
	TargetLabel schema.Label
	TargetID    string
	Props       map[string]any
}

// RelFilter selects relationships. Zero-valued fields match anything.
type RelFilter struct {
	Type        schema.RelType
	SourceLabel schema.Label
	SourceID    string
	TargetLabel schema.Label
	TargetID    string
}

// Direction orients a neighborhood traversal relative to the start node.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// NeighborQuery describes a 1-hop typed traversal.
type NeighborQuery struct {
	Label         schema.Label
	ID            string
	Rel           schema.RelType
	Direction     Direction
	NeighborLabel schema.Label
	Limit         int
}

// Record is one row of a raw query result.
type Record map[string]any

// Session is a unit of work. Close commits when err is nil and rolls back
// otherwise.
type Session interface {
	Query(ctx context.Context, statement string, params map[string]any) ([]Record, error)
	Close(err error) error
}

// Store is the graph access contract. Implementations classify failures
// with the fabric error taxonomy: NotFound for missing nodes, Duplicate for
// unique-constraint hits, Unavailable for transport trouble, PoolExhausted
// when no connection frees up in time, Query for statement errors.
type Store interface {
	Query(ctx context.Context, statement string, params map[string]any) ([]Record, error)
	Session(ctx context.Context) (Session, error)

	CreateNode(ctx context.Context, label schema.Label, props map[string]any) (Node, error)
	GetNode(ctx context.Context, label schema.Label, id string) (Node, error)
	FindNodes(ctx context.Context, label schema.Label, filter map[string]any, limit, offset int) ([]Node, error)
	CountNodes(ctx context.Context, label schema.Label) (int64, error)
	UpdateNode(ctx context.Context, label schema.Label, id string, props map[string]any) (Node, error)
	DeleteNode(ctx context.Context, label schema.Label, id string) error

	CreateRelationship(ctx context.Context, rel Relationship) (Relationship, error)
	FindRelationships(ctx context.Context, filter RelFilter) ([]Relationship, error)
	UpdateRelationships(ctx context.Context, filter RelFilter, props map[string]any) (int64, error)
	DeleteRelationships(ctx context.Context, filter RelFilter) (int64, error)

	Neighborhood(ctx context.Context, q NeighborQuery) ([]Node, error)
	// Reachable reports whether toID can be reached from fromID over edges
	// of the given type. Edges whose properties match any skip entry are
	// not traversed; nil traverses everything.
	Reachable(ctx context.Context, label schema.Label, fromID string, rel schema.RelType, toID string, skip map[string]any) (bool, error)

	EnsureUniqueConstraint(ctx context.Context, label schema.Label, property string) error
	EnsureIndex(ctx context.Context, label schema.Label, properties ...string) error
	EnsureVectorIndex(ctx context.Context, label schema.Label, property string, dimensions int) error

	Close(ctx context.Context) error
}

// CloneProps shallow-copies a property map. Stores hand out copies so
// callers cannot alias internal state.
func CloneProps(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// AsTime coerces a property value to time.Time. Backends may return native
// times or RFC3339 strings.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			t, err = time.Parse(time.RFC3339, x)
		}
		return t, err == nil
	}
	return time.Time{}, false
}
