package events

import (
	"sync"
	"time"

	"fabric/domain/event"
	"fabric/domain/schema"
	"fabric/pkg/errors"
)

// CorrelationRule emits a higher-order event once one event of every listed
// type has been observed inside the time window. MatchKeys name metadata
// keys whose values must agree across the matched events; empty means any
// combination matches. Emit supplies the type, source and base metadata of
// the emitted event.
type CorrelationRule struct {
	Name      string
	Types     []string
	Window    time.Duration
	MatchKeys []string
	Emit      event.Event
}

func (r CorrelationRule) validate() error {
	if r.Name == "" {
		return errors.NewValidation("correlation rule needs a name")
	}
	if len(r.Types) < 2 {
		return errors.NewValidation("correlation rule needs at least two event types")
	}
	if r.Window <= 0 {
		return errors.NewValidation("correlation rule needs a positive window")
	}
	if r.Emit.Type == "" {
		return errors.NewValidation("correlation rule needs an emitted event type")
	}
	return nil
}

type observed struct {
	ev   event.Event
	keys string
}

type ruleState struct {
	rule   CorrelationRule
	recent map[string][]observed
}

// maxObservedPerType bounds rule state when no match ever completes.
const maxObservedPerType = 128

// Correlator holds correlation state in memory; nothing here is persisted.
type Correlator struct {
	mu    sync.Mutex
	rules []*ruleState
}

func NewCorrelator() *Correlator {
	return &Correlator{}
}

// AddRule registers a rule.
func (c *Correlator) AddRule(rule CorrelationRule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, &ruleState{
		rule:   rule,
		recent: map[string][]observed{},
	})
	return nil
}

// Observe feeds one event through every rule and returns the higher-order
// events to emit. Matched events are consumed: each observed event
// participates in at most one emission per rule.
func (c *Correlator) Observe(ev event.Event) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var emitted []event.Event
	for _, st := range c.rules {
		if out, ok := st.observe(ev); ok {
			emitted = append(emitted, out)
		}
	}
	return emitted
}

func (st *ruleState) observe(ev event.Event) (event.Event, bool) {
	idx := -1
	for i, t := range st.rule.Types {
		if t == ev.Type {
			idx = i
			break
		}
	}
	if idx < 0 {
		return event.Event{}, false
	}

	keys := matchKeyValues(st.rule.MatchKeys, ev)
	st.prune(ev.Timestamp)
	st.recent[ev.Type] = append(st.recent[ev.Type], observed{ev: ev, keys: keys})
	if len(st.recent[ev.Type]) > maxObservedPerType {
		st.recent[ev.Type] = st.recent[ev.Type][1:]
	}

	// A match needs one in-window observation per type, all sharing the
	// incoming event's key values.
	matched := make([]event.Event, 0, len(st.rule.Types))
	picked := make(map[string]int, len(st.rule.Types))
	for _, t := range st.rule.Types {
		found := -1
		for i, o := range st.recent[t] {
			if o.keys == keys && inWindow(o.ev.Timestamp, ev.Timestamp, st.rule.Window) {
				found = i
				break
			}
		}
		if found < 0 {
			return event.Event{}, false
		}
		picked[t] = found
		matched = append(matched, st.recent[t][found].ev)
	}
	for t, i := range picked {
		st.recent[t] = append(st.recent[t][:i], st.recent[t][i+1:]...)
	}

	out := st.rule.Emit.Clone()
	out.Timestamp = ev.Timestamp
	if out.Source == "" {
		out.Source = "correlator/" + st.rule.Name
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["correlation_rule"] = st.rule.Name
	for _, k := range st.rule.MatchKeys {
		if v, ok := ev.Metadata[k]; ok {
			out.Metadata[k] = v
		}
	}
	for _, m := range matched {
		out.Related = append(out.Related, event.NodeRef{Label: schema.LabelEvent, ID: m.ID})
	}
	return out, true
}

func (st *ruleState) prune(now time.Time) {
	for t, obs := range st.recent {
		kept := obs[:0]
		for _, o := range obs {
			if inWindow(o.ev.Timestamp, now, st.rule.Window) {
				kept = append(kept, o)
			}
		}
		st.recent[t] = kept
	}
}

func inWindow(a, b time.Time, window time.Duration) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func matchKeyValues(keys []string, ev event.Event) string {
	if len(keys) == 0 {
		return ""
	}
	out := ""
	for _, k := range keys {
		v, _ := ev.Metadata[k].(string)
		out += k + "=" + v + ";"
	}
	return out
}
