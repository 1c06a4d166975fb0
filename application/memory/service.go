// Package memory implements associative memory on top of a graph store:
// weighted recall over context match, decayed importance and optional
// embedding similarity, with RELATED_TO associations between memories.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/memory"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

// scanLimit bounds how many candidates a recall scores in one pass.
const scanLimit = 4096

// Service stores and recalls memory records.
type Service struct {
	store    graph.Store
	registry *schema.Registry
	clock    ports.Clock
	embedder ports.Embedder
	logger   *zap.Logger

	mu      sync.RWMutex
	weights memory.Weights
	lambda  float64
}

func NewService(
	store graph.Store,
	registry *schema.Registry,
	clock ports.Clock,
	embedder ports.Embedder,
	weights memory.Weights,
	decayLambda float64,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		registry: registry,
		clock:    clock,
		embedder: embedder,
		logger:   logger,
		weights:  weights,
		lambda:   decayLambda,
	}
}

// SetWeights swaps the scoring weights at runtime.
func (s *Service) SetWeights(w memory.Weights) {
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
}

// SetDecayLambda swaps the decay rate at runtime.
func (s *Service) SetDecayLambda(lambda float64) {
	s.mu.Lock()
	s.lambda = lambda
	s.mu.Unlock()
}

func (s *Service) scoring() (memory.Weights, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights, s.lambda
}

// Store persists a new memory and returns its ID. Importance outside [0,1]
// is rejected; schema validation also enforces it at the node level.
func (s *Service) Store(ctx context.Context, content string, context_ map[string]string, typ memory.Type, importance float64) (string, error) {
	if content == "" {
		return "", errors.NewValidation("memory content is required")
	}
	if importance < 0 || importance > 1 {
		return "", errors.Newf(errors.KindValidation, "importance %v outside [0,1]", importance)
	}
	now := s.clock.Now()
	props := map[string]any{
		"id":            uuid.NewString(),
		"content":       content,
		"memory_type":   string(typ),
		"timestamp":     now,
		"importance":    importance,
		"last_accessed": now,
		"access_count":  int64(0),
		"created_at":    now,
		"updated_at":    now,
	}
	if len(context_) > 0 {
		raw, err := json.Marshal(context_)
		if err != nil {
			return "", errors.Wrap(err, errors.KindValidation, "encoding memory context")
		}
		props["context"] = string(raw)
	}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, memory.CanonicalText(content, context_))
		if err != nil {
			// Recall degrades to the context and importance terms.
			s.logger.Warn("embedding failed, storing without vector", zap.Error(err))
		} else {
			props["embedding"] = vec
		}
	}
	if err := s.registry.Validate(schema.LabelMemory, props); err != nil {
		return "", err
	}
	node, err := s.store.CreateNode(ctx, schema.LabelMemory, props)
	if err != nil {
		return "", err
	}
	return node.ID(), nil
}

// Recall loads one memory by ID and touches its access statistics.
func (s *Service) Recall(ctx context.Context, id string) (memory.Record, error) {
	node, err := s.store.GetNode(ctx, schema.LabelMemory, id)
	if err != nil {
		return memory.Record{}, err
	}
	rec := recordFromProps(node.Props)
	if err := s.touch(ctx, &rec); err != nil {
		return memory.Record{}, err
	}
	return rec, nil
}

// RecallByContext returns up to limit memories ranked by the weighted
// score. Only memories whose context overlaps the query participate.
func (s *Service) RecallByContext(ctx context.Context, query map[string]string, limit int) ([]memory.Record, error) {
	var queryVec []float32
	if s.embedder != nil && len(query) > 0 {
		if vec, err := s.embedder.Embed(ctx, memory.CanonicalText("", query)); err == nil {
			queryVec = vec
		}
	}
	w, lambda := s.scoring()
	now := s.clock.Now()

	return s.rank(ctx, limit, func(rec memory.Record) (float64, bool) {
		cm := memory.ContextMatch(query, rec.Context)
		if len(query) > 0 && cm == 0 {
			return 0, false
		}
		sim := memory.CosineSimilarity(queryVec, rec.Embedding)
		return memory.Score(w, cm, rec.ImportanceAt(now, lambda), sim), true
	})
}

// RecallByType returns memories of one type, newest first.
func (s *Service) RecallByType(ctx context.Context, typ memory.Type, limit int) ([]memory.Record, error) {
	nodes, err := s.store.FindNodes(ctx, schema.LabelMemory,
		map[string]any{"memory_type": string(typ)}, 0, 0)
	if err != nil {
		return nil, err
	}
	recs := recordsFromNodes(nodes)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	recs = trimRecords(recs, limit)
	return recs, s.touchAll(ctx, recs)
}

// RecallByTimeRange returns memories recorded inside [from, to], newest
// first.
func (s *Service) RecallByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]memory.Record, error) {
	nodes, err := s.store.FindNodes(ctx, schema.LabelMemory, nil, scanLimit, 0)
	if err != nil {
		return nil, err
	}
	var recs []memory.Record
	for _, rec := range recordsFromNodes(nodes) {
		if rec.Timestamp.Before(from) || (!to.IsZero() && rec.Timestamp.After(to)) {
			continue
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	recs = trimRecords(recs, limit)
	return recs, s.touchAll(ctx, recs)
}

// Associate links two memories with a RELATED_TO edge carrying a relation
// and a strength. Re-associating is idempotent: the stored strength only
// ever grows.
func (s *Service) Associate(ctx context.Context, fromID, toID, relation string, strength float64) error {
	if strength < 0 || strength > 1 {
		return errors.Newf(errors.KindValidation, "strength %v outside [0,1]", strength)
	}
	if fromID == toID {
		return errors.NewValidation("cannot associate a memory with itself")
	}
	for _, id := range []string{fromID, toID} {
		if _, err := s.store.GetNode(ctx, schema.LabelMemory, id); err != nil {
			return err
		}
	}
	filter := graph.RelFilter{
		Type:        schema.RelRelatedTo,
		SourceLabel: schema.LabelMemory, SourceID: fromID,
		TargetLabel: schema.LabelMemory, TargetID: toID,
	}
	existing, err := s.store.FindRelationships(ctx, filter)
	if err != nil {
		return err
	}
	for _, rel := range existing {
		if rel.Props["relation"] != relation {
			continue
		}
		old, _ := rel.Props["strength"].(float64)
		if strength > old {
			_, err = s.store.UpdateRelationships(ctx, filter, map[string]any{"strength": strength})
		}
		return err
	}
	_, err = s.store.CreateRelationship(ctx, graph.Relationship{
		Type:        schema.RelRelatedTo,
		SourceLabel: schema.LabelMemory, SourceID: fromID,
		TargetLabel: schema.LabelMemory, TargetID: toID,
		Props: map[string]any{
			"relation":   relation,
			"strength":   strength,
			"created_at": s.clock.Now(),
		},
	})
	return err
}

// Associations returns the memories linked from a memory, strongest first.
func (s *Service) Associations(ctx context.Context, id string) ([]graph.Relationship, error) {
	rels, err := s.store.FindRelationships(ctx, graph.RelFilter{
		Type:        schema.RelRelatedTo,
		SourceLabel: schema.LabelMemory, SourceID: id,
		TargetLabel: schema.LabelMemory,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rels, func(i, j int) bool {
		si, _ := rels[i].Props["strength"].(float64)
		sj, _ := rels[j].Props["strength"].(float64)
		return si > sj
	})
	return rels, nil
}

// Stats summarizes the memory store.
type Stats struct {
	Total         int64
	ByType        map[memory.Type]int64
	AvgImportance float64
}

// Stat computes store-wide statistics with decay applied.
func (s *Service) Stat(ctx context.Context) (Stats, error) {
	nodes, err := s.store.FindNodes(ctx, schema.LabelMemory, nil, scanLimit, 0)
	if err != nil {
		return Stats{}, err
	}
	_, lambda := s.scoring()
	now := s.clock.Now()
	st := Stats{ByType: map[memory.Type]int64{}}
	var sum float64
	for _, rec := range recordsFromNodes(nodes) {
		st.Total++
		st.ByType[rec.Type]++
		sum += rec.ImportanceAt(now, lambda)
	}
	if st.Total > 0 {
		st.AvgImportance = sum / float64(st.Total)
	}
	return st, nil
}

// Prune deletes memories whose decayed importance fell below threshold and
// reports how many went away.
func (s *Service) Prune(ctx context.Context, threshold float64) (int, error) {
	nodes, err := s.store.FindNodes(ctx, schema.LabelMemory, nil, scanLimit, 0)
	if err != nil {
		return 0, err
	}
	_, lambda := s.scoring()
	now := s.clock.Now()
	pruned := 0
	for _, rec := range recordsFromNodes(nodes) {
		if rec.ImportanceAt(now, lambda) >= threshold {
			continue
		}
		if err := s.store.DeleteNode(ctx, schema.LabelMemory, rec.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("memories pruned", zap.Int("count", pruned), zap.Float64("threshold", threshold))
	}
	return pruned, nil
}

func (s *Service) rank(ctx context.Context, limit int, score func(memory.Record) (float64, bool)) ([]memory.Record, error) {
	nodes, err := s.store.FindNodes(ctx, schema.LabelMemory, nil, scanLimit, 0)
	if err != nil {
		return nil, err
	}
	type scored struct {
		rec   memory.Record
		score float64
	}
	var candidates []scored
	for _, rec := range recordsFromNodes(nodes) {
		if sc, ok := score(rec); ok {
			candidates = append(candidates, scored{rec: rec, score: sc})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	out := make([]memory.Record, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, s.touchAll(ctx, out)
}

// touch bumps access statistics for a recalled record.
func (s *Service) touch(ctx context.Context, rec *memory.Record) error {
	now := s.clock.Now()
	rec.AccessCount++
	rec.LastAccessed = now
	_, err := s.store.UpdateNode(ctx, schema.LabelMemory, rec.ID, map[string]any{
		"last_accessed": now,
		"access_count":  rec.AccessCount,
	})
	return err
}

func (s *Service) touchAll(ctx context.Context, recs []memory.Record) error {
	for i := range recs {
		if err := s.touch(ctx, &recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func trimRecords(recs []memory.Record, limit int) []memory.Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

func recordsFromNodes(nodes []graph.Node) []memory.Record {
	out := make([]memory.Record, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, recordFromProps(n.Props))
	}
	return out
}

func recordFromProps(props map[string]any) memory.Record {
	rec := memory.Record{}
	rec.ID, _ = props["id"].(string)
	rec.Content, _ = props["content"].(string)
	if raw, ok := props["context"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Context)
	}
	if t, ok := props["memory_type"].(string); ok {
		rec.Type = memory.Type(t)
	}
	rec.Timestamp, _ = graph.AsTime(props["timestamp"])
	rec.LastAccessed, _ = graph.AsTime(props["last_accessed"])
	if f, ok := props["importance"].(float64); ok {
		rec.Importance = f
	}
	switch n := props["access_count"].(type) {
	case int64:
		rec.AccessCount = n
	case int:
		rec.AccessCount = int64(n)
	case float64:
		rec.AccessCount = int64(n)
	}
	switch v := props["embedding"].(type) {
	case []float32:
		rec.Embedding = v
	case []float64:
		rec.Embedding = make([]float32, len(v))
		for i, f := range v {
			rec.Embedding[i] = float32(f)
		}
	}
	return rec
}
