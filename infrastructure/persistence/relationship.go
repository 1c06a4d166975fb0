package persistence

import (
	"context"

	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

// RelationshipRepository creates and queries typed edges. Creation is
// idempotent per (source, type, target) and guards the DEPENDS_ON graph
// against cycles.
type RelationshipRepository struct {
	store    graph.Store
	registry *schema.Registry
	clock    ports.Clock
	logger   *zap.Logger
}

func NewRelationshipRepository(store graph.Store, registry *schema.Registry, clock ports.Clock, logger *zap.Logger) *RelationshipRepository {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationshipRepository{store: store, registry: registry, clock: clock, logger: logger}
}

// Create links two existing nodes. Both endpoints must exist, the endpoint
// labels must be legal for the relationship type, and a strong DEPENDS_ON
// edge that would close a cycle is rejected. Re-creating an existing edge
// returns the existing one.
func (r *RelationshipRepository) Create(
	ctx context.Context,
	sourceLabel schema.Label, sourceID string,
	relType schema.RelType,
	targetLabel schema.Label, targetID string,
	props map[string]any,
) (graph.Relationship, error) {
	if err := r.registry.ValidateRelationship(relType, sourceLabel, targetLabel, props); err != nil {
		return graph.Relationship{}, err
	}
	if _, err := r.store.GetNode(ctx, sourceLabel, sourceID); err != nil {
		return graph.Relationship{}, err
	}
	if _, err := r.store.GetNode(ctx, targetLabel, targetID); err != nil {
		return graph.Relationship{}, err
	}

	if relType == schema.RelDependsOn && sourceLabel == targetLabel {
		if sourceID == targetID {
			return graph.Relationship{}, errors.NewValidation("a node cannot depend on itself")
		}
		if !isWeakDependency(props) {
			// A strong edge source->target closes a cycle iff target
			// already reaches source over strong edges; weak links are
			// exempt from the check.
			reaches, err := r.store.Reachable(ctx, sourceLabel, targetID, schema.RelDependsOn, sourceID,
				map[string]any{"dependency_type": "weak"})
			if err != nil {
				return graph.Relationship{}, err
			}
			if reaches {
				return graph.Relationship{}, errors.Newf(errors.KindValidation,
					"DEPENDS_ON %s -> %s would create a cycle", sourceID, targetID)
			}
		}
	}

	existing, err := r.store.FindRelationships(ctx, graph.RelFilter{
		Type:        relType,
		SourceLabel: sourceLabel, SourceID: sourceID,
		TargetLabel: targetLabel, TargetID: targetID,
	})
	if err != nil {
		return graph.Relationship{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	full := graph.CloneProps(props)
	full["created_at"] = r.clock.Now()
	rel, err := r.store.CreateRelationship(ctx, graph.Relationship{
		Type:        relType,
		SourceLabel: sourceLabel, SourceID: sourceID,
		TargetLabel: targetLabel, TargetID: targetID,
		Props: full,
	})
	if err != nil {
		return graph.Relationship{}, err
	}
	r.logger.Debug("relationship created",
		zap.String("type", string(relType)),
		zap.String("source", sourceID), zap.String("target", targetID))
	return rel, nil
}

// Find returns relationships matching the filter.
func (r *RelationshipRepository) Find(ctx context.Context, filter graph.RelFilter) ([]graph.Relationship, error) {
	return r.store.FindRelationships(ctx, filter)
}

// Delete removes matching relationships and reports how many went away.
func (r *RelationshipRepository) Delete(ctx context.Context, filter graph.RelFilter) (int64, error) {
	return r.store.DeleteRelationships(ctx, filter)
}

func isWeakDependency(props map[string]any) bool {
	t, _ := props["dependency_type"].(string)
	return t == "weak"
}
