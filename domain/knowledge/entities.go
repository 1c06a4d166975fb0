// Package knowledge defines the typed entities stored in the knowledge
// graphs. Entities are plain records; identity, timestamps and validation
// are handled by the repositories that persist them.
package knowledge

import "time"

// Entity is embedded by every node model.
type Entity struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Domain is a top-level knowledge area.
type Domain struct {
	Entity
	Name        string
	Description string
}

// Project is an initiative inside a domain.
type Project struct {
	Entity
	Name        string
	Description string
	Status      string
}

// Component is a buildable unit of a project.
type Component struct {
	Entity
	Name        string
	Description string
	Type        string
	Status      string
}

// Requirement is a need a component satisfies.
type Requirement struct {
	Entity
	Name        string
	Description string
	Type        string
	Priority    string
	Status      string
}

// Implementation is a concrete artifact realizing a component.
type Implementation struct {
	Entity
	Name     string
	Path     string
	Language string
	Version  string
	Status   string
}

// Pattern is a reusable design pattern.
type Pattern struct {
	Entity
	Name        string
	Description string
	Type        string
}

// Decision is a recorded design decision.
type Decision struct {
	Entity
	Title       string
	Description string
	Context     string
	Status      string
}

// Agent is an acting agent in the system.
type Agent struct {
	Entity
	Name        string
	Type        string
	Layer       string
	Description string
	Status      string
}
