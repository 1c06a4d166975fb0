package persistence

import (
	"time"

	"fabric/domain/knowledge"
	"fabric/infrastructure/graph"
)

// Property codecs for each entity. Optional string fields are stored only
// when set so node maps stay sparse.

func baseProps(e knowledge.Entity) map[string]any {
	props := map[string]any{}
	if e.ID != "" {
		props["id"] = e.ID
	}
	if !e.CreatedAt.IsZero() {
		props["created_at"] = e.CreatedAt
	}
	if !e.UpdatedAt.IsZero() {
		props["updated_at"] = e.UpdatedAt
	}
	return props
}

func baseFromProps(p map[string]any) knowledge.Entity {
	var e knowledge.Entity
	e.ID, _ = p["id"].(string)
	e.CreatedAt = timeProp(p, "created_at")
	e.UpdatedAt = timeProp(p, "updated_at")
	return e
}

func timeProp(p map[string]any, key string) time.Time {
	t, _ := graph.AsTime(p[key])
	return t
}

func strProp(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func setStr(p map[string]any, key, value string) {
	if value != "" {
		p[key] = value
	}
}

var domainCodec = Codec[knowledge.Domain]{
	ToProps: func(d knowledge.Domain) map[string]any {
		p := baseProps(d.Entity)
		setStr(p, "name", d.Name)
		setStr(p, "description", d.Description)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Domain {
		return knowledge.Domain{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Description: strProp(p, "description"),
		}
	},
}

var projectCodec = Codec[knowledge.Project]{
	ToProps: func(x knowledge.Project) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "description", x.Description)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Project {
		return knowledge.Project{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Description: strProp(p, "description"),
			Status:      strProp(p, "status"),
		}
	},
}

var componentCodec = Codec[knowledge.Component]{
	ToProps: func(x knowledge.Component) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "description", x.Description)
		setStr(p, "type", x.Type)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Component {
		return knowledge.Component{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Description: strProp(p, "description"),
			Type:        strProp(p, "type"),
			Status:      strProp(p, "status"),
		}
	},
}

var requirementCodec = Codec[knowledge.Requirement]{
	ToProps: func(x knowledge.Requirement) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "description", x.Description)
		setStr(p, "type", x.Type)
		setStr(p, "priority", x.Priority)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Requirement {
		return knowledge.Requirement{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Description: strProp(p, "description"),
			Type:        strProp(p, "type"),
			Priority:    strProp(p, "priority"),
			Status:      strProp(p, "status"),
		}
	},
}

var implementationCodec = Codec[knowledge.Implementation]{
	ToProps: func(x knowledge.Implementation) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "path", x.Path)
		setStr(p, "language", x.Language)
		setStr(p, "version", x.Version)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Implementation {
		return knowledge.Implementation{
			Entity:   baseFromProps(p),
			Name:     strProp(p, "name"),
			Path:     strProp(p, "path"),
			Language: strProp(p, "language"),
			Version:  strProp(p, "version"),
			Status:   strProp(p, "status"),
		}
	},
}

var patternCodec = Codec[knowledge.Pattern]{
	ToProps: func(x knowledge.Pattern) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "description", x.Description)
		setStr(p, "type", x.Type)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Pattern {
		return knowledge.Pattern{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Description: strProp(p, "description"),
			Type:        strProp(p, "type"),
		}
	},
}

var decisionCodec = Codec[knowledge.Decision]{
	ToProps: func(x knowledge.Decision) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "title", x.Title)
		setStr(p, "description", x.Description)
		setStr(p, "context", x.Context)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Decision {
		return knowledge.Decision{
			Entity:      baseFromProps(p),
			Title:       strProp(p, "title"),
			Description: strProp(p, "description"),
			Context:     strProp(p, "context"),
			Status:      strProp(p, "status"),
		}
	},
}

var agentCodec = Codec[knowledge.Agent]{
	ToProps: func(x knowledge.Agent) map[string]any {
		p := baseProps(x.Entity)
		setStr(p, "name", x.Name)
		setStr(p, "type", x.Type)
		setStr(p, "layer", x.Layer)
		setStr(p, "description", x.Description)
		setStr(p, "status", x.Status)
		return p
	},
	FromProps: func(p map[string]any) knowledge.Agent {
		return knowledge.Agent{
			Entity:      baseFromProps(p),
			Name:        strProp(p, "name"),
			Type:        strProp(p, "type"),
			Layer:       strProp(p, "layer"),
			Description: strProp(p, "description"),
			Status:      strProp(p, "status"),
		}
	},
}
