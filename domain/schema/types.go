// Package schema holds the node labels, relationship types and property
// definitions that shape both knowledge layers, plus the registry that
// validates entities against them.
package schema

// Label names a node kind in the graph.
type Label string

const (
	LabelDomain          Label = "Domain"
	LabelProject         Label = "Project"
	LabelComponent       Label = "Component"
	LabelRequirement     Label = "Requirement"
	LabelImplementation  Label = "Implementation"
	LabelPattern         Label = "Pattern"
	LabelDecision        Label = "Decision"
	LabelAgent           Label = "Agent"
	LabelEvent           Label = "Event"
	LabelEventSequence   Label = "EventSequence"
	LabelMemory          Label = "Memory"
	LabelManagedKG       Label = "ManagedKG"
	LabelSyncRule        Label = "SynchronizationRule"
	LabelSchemaMapping   Label = "SchemaMapping"
	LabelKnowledgePolicy Label = "KnowledgePolicy"
)

// RelType names a relationship kind in the graph.
type RelType string

const (
	RelBelongsTo     RelType = "BELONGS_TO"
	RelDependsOn     RelType = "DEPENDS_ON"
	RelImplements    RelType = "IMPLEMENTS"
	RelUsesPattern   RelType = "USES_PATTERN"
	RelMadeBy        RelType = "MADE_BY"
	RelSatisfies     RelType = "SATISFIES"
	RelContributesTo RelType = "CONTRIBUTES_TO"
	RelRelatedTo     RelType = "RELATED_TO"
	RelTriggers      RelType = "TRIGGERS"
	RelGovernedBy    RelType = "GOVERNED_BY"
	RelNextStep      RelType = "NEXT_STEP"
	RelSyncsWith     RelType = "SYNCS_WITH"
	RelSyncsTo       RelType = "SYNCS_TO"
	RelAppliesTo     RelType = "APPLIES_TO"
	RelMapsBetween   RelType = "MAPS_BETWEEN"
	RelGoverns       RelType = "GOVERNS"
)

// PropertyType is the declared type of a node or relationship property.
type PropertyType string

const (
	TypeString   PropertyType = "string"
	TypeNumber   PropertyType = "number"
	TypeBoolean  PropertyType = "boolean"
	TypeDateTime PropertyType = "datetime"
	TypeVector   PropertyType = "vector"
)

// Property declares one property of a node or relationship definition.
// UnitInterval constrains numeric values to [0, 1].
type Property struct {
	Name         string
	Type         PropertyType
	Required     bool
	UnitInterval bool
	Description  string
}

// NodeDef declares a node label with its properties. Properties outside the
// declared set are permitted; declared ones are type-checked.
type NodeDef struct {
	Label       Label
	Description string
	Properties  []Property
}

// RelDef declares a relationship type, the endpoint labels it may connect,
// and its properties. Empty endpoint lists mean any label.
type RelDef struct {
	Type         RelType
	Description  string
	SourceLabels []Label
	TargetLabels []Label
	Properties   []Property
}

// Schema is a set of node and relationship definitions.
type Schema struct {
	Nodes         map[Label]NodeDef
	Relationships map[RelType]RelDef
}

func (d NodeDef) property(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func (d RelDef) property(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func (d RelDef) allowsSource(l Label) bool {
	return len(d.SourceLabels) == 0 || containsLabel(d.SourceLabels, l)
}

func (d RelDef) allowsTarget(l Label) bool {
	return len(d.TargetLabels) == 0 || containsLabel(d.TargetLabels, l)
}

func containsLabel(ls []Label, l Label) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}
