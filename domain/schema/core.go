package schema

// baseProperties are present on every node definition.
func baseProperties() []Property {
	return []Property{
		{Name: "id", Type: TypeString, Required: true, Description: "stable unique identifier"},
		{Name: "created_at", Type: TypeDateTime, Required: true},
		{Name: "updated_at", Type: TypeDateTime, Required: true},
	}
}

func nodeDef(label Label, desc string, props ...Property) NodeDef {
	return NodeDef{Label: label, Description: desc, Properties: append(baseProperties(), props...)}
}

// Core returns the built-in schema shared by every managed knowledge graph.
func Core() *Schema {
	s := &Schema{
		Nodes:         map[Label]NodeDef{},
		Relationships: map[RelType]RelDef{},
	}

	for _, d := range []NodeDef{
		nodeDef(LabelDomain, "top-level knowledge area",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
		),
		nodeDef(LabelProject, "initiative inside a domain",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelComponent, "buildable unit of a project",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
			Property{Name: "type", Type: TypeString, Required: true},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelRequirement, "requirement a component satisfies",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
			Property{Name: "type", Type: TypeString, Required: true},
			Property{Name: "priority", Type: TypeString, Required: true},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelImplementation, "concrete artifact implementing a component",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "path", Type: TypeString, Required: true},
			Property{Name: "language", Type: TypeString},
			Property{Name: "version", Type: TypeString},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelPattern, "reusable design pattern",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
			Property{Name: "type", Type: TypeString, Required: true},
		),
		nodeDef(LabelDecision, "recorded design decision",
			Property{Name: "title", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString, Required: true},
			Property{Name: "context", Type: TypeString, Required: true},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelAgent, "acting agent in the system",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "type", Type: TypeString, Required: true},
			Property{Name: "layer", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString},
			Property{Name: "status", Type: TypeString, Required: true},
		),
		nodeDef(LabelEvent, "immutable event record",
			Property{Name: "type", Type: TypeString, Required: true},
			Property{Name: "timestamp", Type: TypeDateTime, Required: true},
			Property{Name: "source", Type: TypeString, Required: true},
			Property{Name: "metadata", Type: TypeString},
		),
		nodeDef(LabelEventSequence, "ordered chain of events",
			Property{Name: "name", Type: TypeString, Required: true},
		),
		nodeDef(LabelMemory, "associative memory record",
			Property{Name: "content", Type: TypeString, Required: true},
			Property{Name: "context", Type: TypeString},
			Property{Name: "memory_type", Type: TypeString, Required: true},
			Property{Name: "timestamp", Type: TypeDateTime, Required: true},
			Property{Name: "importance", Type: TypeNumber, Required: true, UnitInterval: true},
			Property{Name: "last_accessed", Type: TypeDateTime},
			Property{Name: "access_count", Type: TypeNumber},
			Property{Name: "embedding", Type: TypeVector},
		),
		nodeDef(LabelManagedKG, "registered knowledge-graph slice",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "kind", Type: TypeString, Required: true},
			Property{Name: "description", Type: TypeString},
		),
		nodeDef(LabelSyncRule, "synchronization rule between two managed KGs",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "direction", Type: TypeString, Required: true},
			Property{Name: "cadence", Type: TypeString, Required: true},
			Property{Name: "priority", Type: TypeNumber},
		),
		nodeDef(LabelSchemaMapping, "field mapping between two KG schemas",
			Property{Name: "name", Type: TypeString, Required: true},
		),
		nodeDef(LabelKnowledgePolicy, "sharing or access policy",
			Property{Name: "name", Type: TypeString, Required: true},
			Property{Name: "kind", Type: TypeString, Required: true},
		),
	} {
		s.Nodes[d.Label] = d
	}

	entity := []Label{
		LabelDomain, LabelProject, LabelComponent, LabelRequirement,
		LabelImplementation, LabelPattern, LabelDecision, LabelAgent,
	}
	for _, d := range []RelDef{
		{Type: RelBelongsTo, Description: "containment",
			SourceLabels: []Label{LabelProject, LabelComponent, LabelRequirement, LabelImplementation},
			TargetLabels: []Label{LabelDomain, LabelProject, LabelComponent}},
		{Type: RelDependsOn, Description: "dependency edge",
			SourceLabels: []Label{LabelComponent, LabelProject},
			TargetLabels: []Label{LabelComponent, LabelProject},
			Properties: []Property{
				{Name: "dependency_type", Type: TypeString},
				{Name: "criticality", Type: TypeString},
			}},
		{Type: RelImplements,
			SourceLabels: []Label{LabelComponent, LabelImplementation},
			TargetLabels: []Label{LabelRequirement, LabelComponent}},
		{Type: RelUsesPattern,
			SourceLabels: []Label{LabelComponent, LabelImplementation},
			TargetLabels: []Label{LabelPattern}},
		{Type: RelMadeBy,
			SourceLabels: []Label{LabelDecision},
			TargetLabels: []Label{LabelAgent}},
		{Type: RelSatisfies,
			SourceLabels: []Label{LabelImplementation, LabelComponent},
			TargetLabels: []Label{LabelRequirement},
			Properties: []Property{
				{Name: "satisfaction_level", Type: TypeNumber, UnitInterval: true},
			}},
		{Type: RelContributesTo,
			SourceLabels: entity,
			TargetLabels: entity},
		{Type: RelRelatedTo, Description: "untyped association; memory edges carry strength",
			Properties: []Property{
				{Name: "relation", Type: TypeString},
				{Name: "strength", Type: TypeNumber, UnitInterval: true},
			}},
		{Type: RelTriggers,
			SourceLabels: []Label{LabelEvent},
			TargetLabels: []Label{LabelEvent, LabelSyncRule}},
		{Type: RelGovernedBy,
			TargetLabels: []Label{LabelKnowledgePolicy}},
		{Type: RelNextStep,
			SourceLabels: []Label{LabelEvent, LabelEventSequence},
			TargetLabels: []Label{LabelEvent}},
		{Type: RelSyncsWith,
			SourceLabels: []Label{LabelManagedKG},
			TargetLabels: []Label{LabelManagedKG}},
		{Type: RelSyncsTo,
			SourceLabels: []Label{LabelSyncRule},
			TargetLabels: []Label{LabelManagedKG}},
		{Type: RelAppliesTo,
			SourceLabels: []Label{LabelSyncRule, LabelKnowledgePolicy},
			TargetLabels: []Label{LabelManagedKG}},
		{Type: RelMapsBetween,
			SourceLabels: []Label{LabelSchemaMapping},
			TargetLabels: []Label{LabelManagedKG}},
		{Type: RelGoverns,
			SourceLabels: []Label{LabelKnowledgePolicy},
			TargetLabels: []Label{LabelManagedKG}},
	} {
		s.Relationships[d.Type] = d
	}

	return s
}
