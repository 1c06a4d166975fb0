package persistence

import (
	"context"

	"go.uber.org/zap"

	"fabric/application/ports"
	"fabric/domain/knowledge"
	"fabric/domain/schema"
	"fabric/infrastructure/graph"
)

// Repositories bundles every typed repository over one store.
type Repositories struct {
	Domains         *DomainRepository
	Projects        *ProjectRepository
	Components      *ComponentRepository
	Requirements    *RequirementRepository
	Implementations *ImplementationRepository
	Patterns        *PatternRepository
	Decisions       *DecisionRepository
	Agents          *AgentRepository
	Relationships   *RelationshipRepository
}

func NewRepositories(store graph.Store, registry *schema.Registry, clock ports.Clock, logger *zap.Logger) *Repositories {
	return &Repositories{
		Domains: &DomainRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelDomain, domainCodec, clock, logger),
		},
		Projects: &ProjectRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelProject, projectCodec, clock, logger),
		},
		Components: &ComponentRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelComponent, componentCodec, clock, logger),
		},
		Requirements: &RequirementRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelRequirement, requirementCodec, clock, logger),
		},
		Implementations: &ImplementationRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelImplementation, implementationCodec, clock, logger),
		},
		Patterns: &PatternRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelPattern, patternCodec, clock, logger),
		},
		Decisions: &DecisionRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelDecision, decisionCodec, clock, logger),
		},
		Agents: &AgentRepository{
			NodeRepository: NewNodeRepository(store, registry, schema.LabelAgent, agentCodec, clock, logger),
		},
		Relationships: NewRelationshipRepository(store, registry, clock, logger),
	}
}

type DomainRepository struct {
	*NodeRepository[knowledge.Domain]
}

func (r *DomainRepository) FindByName(ctx context.Context, name string) ([]knowledge.Domain, error) {
	return r.FindByProperty(ctx, "name", name, 0)
}

type ProjectRepository struct {
	*NodeRepository[knowledge.Project]
}

// FindByDomain returns the projects attached to a domain via BELONGS_TO.
func (r *ProjectRepository) FindByDomain(ctx context.Context, domainID string) ([]knowledge.Project, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelDomain, ID: domainID,
		Rel: schema.RelBelongsTo, Direction: graph.Incoming,
	})
}

func (r *ProjectRepository) FindByStatus(ctx context.Context, status string) ([]knowledge.Project, error) {
	return r.FindByProperty(ctx, "status", status, 0)
}

type ComponentRepository struct {
	*NodeRepository[knowledge.Component]
}

func (r *ComponentRepository) FindByProject(ctx context.Context, projectID string) ([]knowledge.Component, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelProject, ID: projectID,
		Rel: schema.RelBelongsTo, Direction: graph.Incoming,
	})
}

// FindDependencies returns components this component depends on.
func (r *ComponentRepository) FindDependencies(ctx context.Context, componentID string) ([]knowledge.Component, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelComponent, ID: componentID,
		Rel: schema.RelDependsOn, Direction: graph.Outgoing,
	})
}

// FindDependents returns components depending on this component.
func (r *ComponentRepository) FindDependents(ctx context.Context, componentID string) ([]knowledge.Component, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelComponent, ID: componentID,
		Rel: schema.RelDependsOn, Direction: graph.Incoming,
	})
}

type RequirementRepository struct {
	*NodeRepository[knowledge.Requirement]
}

func (r *RequirementRepository) FindByProject(ctx context.Context, projectID string) ([]knowledge.Requirement, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelProject, ID: projectID,
		Rel: schema.RelBelongsTo, Direction: graph.Incoming,
	})
}

// FindImplementedBy returns requirements a component IMPLEMENTS.
func (r *RequirementRepository) FindImplementedBy(ctx context.Context, componentID string) ([]knowledge.Requirement, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelComponent, ID: componentID,
		Rel: schema.RelImplements, Direction: graph.Outgoing,
	})
}

type ImplementationRepository struct {
	*NodeRepository[knowledge.Implementation]
}

func (r *ImplementationRepository) FindByComponent(ctx context.Context, componentID string) ([]knowledge.Implementation, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelComponent, ID: componentID,
		Rel: schema.RelBelongsTo, Direction: graph.Incoming,
	})
}

// FindSatisfying returns implementations that SATISFY a requirement.
func (r *ImplementationRepository) FindSatisfying(ctx context.Context, requirementID string) ([]knowledge.Implementation, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelRequirement, ID: requirementID,
		Rel: schema.RelSatisfies, Direction: graph.Incoming,
	})
}

type PatternRepository struct {
	*NodeRepository[knowledge.Pattern]
}

func (r *PatternRepository) FindByType(ctx context.Context, patternType string) ([]knowledge.Pattern, error) {
	return r.FindByProperty(ctx, "type", patternType, 0)
}

type DecisionRepository struct {
	*NodeRepository[knowledge.Decision]
}

// FindByAgent returns decisions MADE_BY an agent.
func (r *DecisionRepository) FindByAgent(ctx context.Context, agentID string) ([]knowledge.Decision, error) {
	return r.neighbors(ctx, graph.NeighborQuery{
		Label: schema.LabelAgent, ID: agentID,
		Rel: schema.RelMadeBy, Direction: graph.Incoming,
	})
}

func (r *DecisionRepository) FindByStatus(ctx context.Context, status string) ([]knowledge.Decision, error) {
	return r.FindByProperty(ctx, "status", status, 0)
}

type AgentRepository struct {
	*NodeRepository[knowledge.Agent]
}

func (r *AgentRepository) FindByLayer(ctx context.Context, layer string) ([]knowledge.Agent, error) {
	return r.FindByProperty(ctx, "layer", layer, 0)
}

func (r *AgentRepository) FindByType(ctx context.Context, agentType string) ([]knowledge.Agent, error) {
	return r.FindByProperty(ctx, "type", agentType, 0)
}
