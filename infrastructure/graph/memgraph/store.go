// Package memgraph is the in-process graph store. It backs tests and the
// memory:// URI scheme, and mirrors the bolt store's error classification
// so code under test sees identical behavior.
package memgraph

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

type storedRel struct {
	typ         schema.RelType
	sourceLabel schema.Label
	sourceID    string
	targetLabel schema.Label
	targetID    string
	props       map[string]any
}

// Store keeps nodes and relationships in maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	nodes       map[schema.Label]map[string]map[string]any
	order       map[schema.Label][]string
	rels        []*storedRel
	constraints map[schema.Label]map[string]bool
	indexes     map[schema.Label]map[string]bool
	vectorDims  map[schema.Label]map[string]int
	closed      bool
	logger      *zap.Logger
}

var _ graph.Store = (*Store)(nil)

// New builds an empty in-memory store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		nodes:       map[schema.Label]map[string]map[string]any{},
		order:       map[schema.Label][]string{},
		constraints: map[schema.Label]map[string]bool{},
		indexes:     map[schema.Label]map[string]bool{},
		vectorDims:  map[schema.Label]map[string]int{},
		logger:      logger,
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return errors.New(errors.KindUnavailable, "store is closed")
	}
	return nil
}

// Query supports only trivial connectivity probes; typed operations cover
// everything else this store can answer.
func (s *Store) Query(ctx context.Context, statement string, params map[string]any) ([]graph.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(statement), "RETURN 1 AS ok") {
		return []graph.Record{{"ok": int64(1)}}, nil
	}
	return nil, errors.Newf(errors.KindQuery, "in-memory store cannot execute %q", statement)
}

type session struct{ s *Store }

func (ss session) Query(ctx context.Context, statement string, params map[string]any) ([]graph.Record, error) {
	return ss.s.Query(ctx, statement, params)
}

// Close is a no-op; in-memory writes apply immediately.
func (ss session) Close(err error) error { return nil }

func (s *Store) Session(ctx context.Context) (graph.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return session{s}, nil
}

func (s *Store) CreateNode(ctx context.Context, label schema.Label, props map[string]any) (graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return graph.Node{}, err
	}
	id, _ := props["id"].(string)
	if id == "" {
		return graph.Node{}, errors.NewValidation("node props must carry a string id")
	}
	byID := s.nodes[label]
	if byID == nil {
		byID = map[string]map[string]any{}
		s.nodes[label] = byID
	}
	if _, exists := byID[id]; exists {
		return graph.Node{}, errors.NewDuplicate(string(label), id)
	}
	for prop := range s.constraints[label] {
		if prop == "id" {
			continue
		}
		want, ok := props[prop]
		if !ok {
			continue
		}
		for _, other := range byID {
			if other[prop] == want {
				return graph.Node{}, errors.Newf(errors.KindDuplicate,
					"%s with %s=%v already exists", label, prop, want)
			}
		}
	}
	byID[id] = graph.CloneProps(props)
	s.order[label] = append(s.order[label], id)
	return graph.Node{Label: label, Props: graph.CloneProps(props)}, nil
}

func (s *Store) GetNode(ctx context.Context, label schema.Label, id string) (graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return graph.Node{}, err
	}
	props, ok := s.nodes[label][id]
	if !ok {
		return graph.Node{}, errors.NewNotFound(string(label), id)
	}
	return graph.Node{Label: label, Props: graph.CloneProps(props)}, nil
}

func (s *Store) FindNodes(ctx context.Context, label schema.Label, filter map[string]any, limit, offset int) ([]graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []graph.Node
	skipped := 0
	for _, id := range s.order[label] {
		props, ok := s.nodes[label][id]
		if !ok {
			continue
		}
		if !matchesFilter(props, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, graph.Node{Label: label, Props: graph.CloneProps(props)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountNodes(ctx context.Context, label schema.Label) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return int64(len(s.nodes[label])), nil
}

func (s *Store) UpdateNode(ctx context.Context, label schema.Label, id string, props map[string]any) (graph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return graph.Node{}, err
	}
	existing, ok := s.nodes[label][id]
	if !ok {
		return graph.Node{}, errors.NewNotFound(string(label), id)
	}
	for k, v := range props {
		if k == "id" {
			continue
		}
		existing[k] = v
	}
	return graph.Node{Label: label, Props: graph.CloneProps(existing)}, nil
}

// DeleteNode removes the node and every relationship touching it.
func (s *Store) DeleteNode(ctx context.Context, label schema.Label, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.nodes[label][id]; !ok {
		return errors.NewNotFound(string(label), id)
	}
	delete(s.nodes[label], id)
	ids := s.order[label]
	for i, x := range ids {
		if x == id {
			s.order[label] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	kept := s.rels[:0]
	for _, r := range s.rels {
		if (r.sourceLabel == label && r.sourceID == id) || (r.targetLabel == label && r.targetID == id) {
			continue
		}
		kept = append(kept, r)
	}
	s.rels = kept
	return nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel graph.Relationship) (graph.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return graph.Relationship{}, err
	}
	if _, ok := s.nodes[rel.SourceLabel][rel.SourceID]; !ok {
		return graph.Relationship{}, errors.NewNotFound(string(rel.SourceLabel), rel.SourceID)
	}
	if _, ok := s.nodes[rel.TargetLabel][rel.TargetID]; !ok {
		return graph.Relationship{}, errors.NewNotFound(string(rel.TargetLabel), rel.TargetID)
	}
	stored := &storedRel{
		typ:         rel.Type,
		sourceLabel: rel.SourceLabel,
		sourceID:    rel.SourceID,
		targetLabel: rel.TargetLabel,
		targetID:    rel.TargetID,
		props:       graph.CloneProps(rel.Props),
	}
	s.rels = append(s.rels, stored)
	rel.Props = graph.CloneProps(stored.props)
	return rel, nil
}

func (s *Store) FindRelationships(ctx context.Context, filter graph.RelFilter) ([]graph.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []graph.Relationship
	for _, r := range s.rels {
		if !r.matches(filter) {
			continue
		}
		out = append(out, graph.Relationship{
			Type:        r.typ,
			SourceLabel: r.sourceLabel,
			SourceID:    r.sourceID,
			TargetLabel: r.targetLabel,
			TargetID:    r.targetID,
			Props:       graph.CloneProps(r.props),
		})
	}
	return out, nil
}

func (s *Store) UpdateRelationships(ctx context.Context, filter graph.RelFilter, props map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.rels {
		if !r.matches(filter) {
			continue
		}
		for k, v := range props {
			r.props[k] = v
		}
		n++
	}
	return n, nil
}

func (s *Store) DeleteRelationships(ctx context.Context, filter graph.RelFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	kept := s.rels[:0]
	var n int64
	for _, r := range s.rels {
		if r.matches(filter) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rels = kept
	return n, nil
}

func (s *Store) Neighborhood(ctx context.Context, q graph.NeighborQuery) ([]graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []graph.Node
	for _, r := range s.rels {
		if q.Rel != "" && r.typ != q.Rel {
			continue
		}
		var nLabel schema.Label
		var nID string
		switch q.Direction {
		case graph.Incoming:
			if r.targetLabel != q.Label || r.targetID != q.ID {
				continue
			}
			nLabel, nID = r.sourceLabel, r.sourceID
		default:
			if r.sourceLabel != q.Label || r.sourceID != q.ID {
				continue
			}
			nLabel, nID = r.targetLabel, r.targetID
		}
		if q.NeighborLabel != "" && nLabel != q.NeighborLabel {
			continue
		}
		props, ok := s.nodes[nLabel][nID]
		if !ok {
			continue
		}
		out = append(out, graph.Node{Label: nLabel, Props: graph.CloneProps(props)})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Reachable walks edges of the given type from fromID looking for toID.
// Edges carrying any of the skip property values are not traversed.
func (s *Store) Reachable(ctx context.Context, label schema.Label, fromID string, rel schema.RelType, toID string, skip map[string]any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if fromID == toID {
		return true, nil
	}
	visited := map[string]bool{fromID: true}
	frontier := []string{fromID}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, id := range frontier {
			for _, r := range s.rels {
				if r.typ != rel || r.sourceLabel != label || r.sourceID != id {
					continue
				}
				if skipsEdge(r.props, skip) {
					continue
				}
				if r.targetID == toID {
					return true, nil
				}
				if !visited[r.targetID] {
					visited[r.targetID] = true
					next = append(next, r.targetID)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *Store) EnsureUniqueConstraint(ctx context.Context, label schema.Label, property string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.constraints[label] == nil {
		s.constraints[label] = map[string]bool{}
	}
	s.constraints[label][property] = true
	return nil
}

func (s *Store) EnsureIndex(ctx context.Context, label schema.Label, properties ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.indexes[label] == nil {
		s.indexes[label] = map[string]bool{}
	}
	for _, p := range properties {
		s.indexes[label][p] = true
	}
	return nil
}

func (s *Store) EnsureVectorIndex(ctx context.Context, label schema.Label, property string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.vectorDims[label] == nil {
		s.vectorDims[label] = map[string]int{}
	}
	s.vectorDims[label][property] = dimensions
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (r *storedRel) matches(f graph.RelFilter) bool {
	if f.Type != "" && r.typ != f.Type {
		return false
	}
	if f.SourceLabel != "" && r.sourceLabel != f.SourceLabel {
		return false
	}
	if f.SourceID != "" && r.sourceID != f.SourceID {
		return false
	}
	if f.TargetLabel != "" && r.targetLabel != f.TargetLabel {
		return false
	}
	if f.TargetID != "" && r.targetID != f.TargetID {
		return false
	}
	return true
}

func skipsEdge(props, skip map[string]any) bool {
	for k, v := range skip {
		if reflect.DeepEqual(props[k], v) {
			return true
		}
	}
	return false
}

func matchesFilter(props, filter map[string]any) bool {
	for k, want := range filter {
		// DeepEqual: filter values may be slices, which == would panic on.
		if !reflect.DeepEqual(props[k], want) {
			return false
		}
	}
	return true
}
