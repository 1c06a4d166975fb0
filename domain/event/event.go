// Package event defines the event record that flows through the pipeline
// and the dotted-glob matching used for subscriptions and filters.
package event

import (
	"strings"
	"time"

	"fabric/domain/schema"
)

// NodeRef points at a graph node an event relates to.
type NodeRef struct {
	Label schema.Label
	ID    string
}

// Event is an immutable occurrence. Metadata is free-form and persisted as
// JSON; Related links the event to existing graph nodes.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Metadata  map[string]any
	Related   []NodeRef
}

// Clone returns a deep copy; handlers receive copies so they cannot mutate
// the pipeline's view of an event.
func (e Event) Clone() Event {
	out := e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Related = append([]NodeRef(nil), e.Related...)
	return out
}

// MatchType reports whether a dotted event type matches a pattern. Patterns
// are dot-separated; "*" matches exactly one segment, and a trailing "*"
// matches one or more remaining segments. A bare "*" matches every type.
func MatchType(pattern, typ string) bool {
	if pattern == "*" || pattern == typ {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(typ, ".")
	for i, p := range ps {
		if i >= len(ts) {
			return false
		}
		if p == "*" {
			if i == len(ps)-1 {
				return true
			}
			continue
		}
		if p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
