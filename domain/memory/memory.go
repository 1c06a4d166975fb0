// Package memory defines the associative memory record and the scoring
// math used for recall: context match, importance decay, and semantic
// similarity over optional embeddings.
package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Type classifies a memory record.
type Type string

const (
	Episodic   Type = "episodic"
	Semantic   Type = "semantic"
	Working    Type = "working"
	Procedural Type = "procedural"
)

// Record is one associative memory.
type Record struct {
	ID           string
	Content      string
	Context      map[string]string
	Type         Type
	Timestamp    time.Time
	Importance   float64
	LastAccessed time.Time
	AccessCount  int64
	Embedding    []float32
}

// Weights are the recall scoring coefficients: alpha weighs context match,
// beta weighs decayed importance, gamma weighs semantic similarity.
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultWeights favor context match over importance over similarity.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.5, Beta: 0.3, Gamma: 0.2}
}

// DefaultDecayLambda is the per-hour exponential decay rate of importance.
const DefaultDecayLambda = 0.01

// ImportanceAt returns the record's importance decayed to the given time.
// Decay is computed lazily from the stored value; nothing is persisted.
func (r Record) ImportanceAt(now time.Time, lambda float64) float64 {
	age := now.Sub(r.Timestamp).Hours()
	if age <= 0 || lambda <= 0 {
		return r.Importance
	}
	return r.Importance * math.Exp(-lambda*age)
}

// ContextMatch scores how well a record's context answers a query context.
// Per query key: an equal value counts 1, a partial containment either way
// counts 0.5, a present-but-different value or an absent key counts 0. The
// sum is normalized by the number of query keys. An empty query matches
// everything with score 1.
func ContextMatch(query, ctx map[string]string) float64 {
	if len(query) == 0 {
		return 1
	}
	var sum float64
	for k, qv := range query {
		cv, ok := ctx[k]
		if !ok {
			continue
		}
		switch {
		case cv == qv:
			sum += 1
		case qv != "" && cv != "" && (strings.Contains(cv, qv) || strings.Contains(qv, cv)):
			sum += 0.5
		}
	}
	return sum / float64(len(query))
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// rescaled from [-1,1] to [0,1]. Zero when either vector is missing or the
// dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (c + 1) / 2
}

// Score combines the three recall signals under the given weights.
func Score(w Weights, contextMatch, importanceNow, semanticSim float64) float64 {
	return w.Alpha*contextMatch + w.Beta*importanceNow + w.Gamma*semanticSim
}

// CanonicalText is the deterministic projection of a record used for
// embedding: the content followed by sorted context pairs.
func CanonicalText(content string, ctx map[string]string) string {
	if len(ctx) == 0 {
		return content
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(content)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ctx[k])
	}
	return b.String()
}
