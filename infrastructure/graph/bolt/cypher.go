package bolt

import (
	"fmt"
	"sort"
	"strings"

	"fabric/domain/schema"
	"fabric/infrastructure/graph"
)

// Cypher renderers. Every statement is parameterized; property filters bind
// through the params map with a "f_" prefix so filter keys cannot collide
// with positional parameters like id or props.

func renderCreateNode(label schema.Label) string {
	return fmt.Sprintf("CREATE (n:%s $props) RETURN n", label)
}

func renderGetNode(label schema.Label) string {
	return fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n", label)
}

func renderFindNodes(label schema.Label, filter map[string]any, limit, offset int) (string, map[string]any) {
	params := map[string]any{}
	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (n:%s)", label)
	if len(filter) > 0 {
		keys := sortedKeys(filter)
		conds := make([]string, 0, len(keys))
		for _, k := range keys {
			p := "f_" + k
			conds = append(conds, fmt.Sprintf("n.%s = $%s", k, p))
			params[p] = filter[k]
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" RETURN n ORDER BY n.created_at, n.id")
	if offset > 0 {
		fmt.Fprintf(&b, " SKIP %d", offset)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), params
}

func renderCountNodes(label schema.Label) string {
	return fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", label)
}

func renderUpdateNode(label schema.Label) string {
	return fmt.Sprintf("MATCH (n:%s {id: $id}) SET n += $props RETURN n", label)
}

func renderDeleteNode(label schema.Label) string {
	return fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n RETURN count(n) AS deleted", label)
}

func renderCreateRelationship(rel graph.Relationship) string {
	return fmt.Sprintf(
		"MATCH (a:%s {id: $source_id}), (b:%s {id: $target_id}) CREATE (a)-[r:%s $props]->(b) RETURN r",
		rel.SourceLabel, rel.TargetLabel, rel.Type)
}

// relMatch renders the MATCH clause for a relationship filter and fills
// params. The relationship variable is r, endpoints a and b.
func relMatch(f graph.RelFilter, params map[string]any) string {
	var b strings.Builder
	b.WriteString("MATCH (a")
	if f.SourceLabel != "" {
		fmt.Fprintf(&b, ":%s", f.SourceLabel)
	}
	if f.SourceID != "" {
		b.WriteString(" {id: $source_id}")
		params["source_id"] = f.SourceID
	}
	b.WriteString(")-[r")
	if f.Type != "" {
		fmt.Fprintf(&b, ":%s", f.Type)
	}
	b.WriteString("]->(b")
	if f.TargetLabel != "" {
		fmt.Fprintf(&b, ":%s", f.TargetLabel)
	}
	if f.TargetID != "" {
		b.WriteString(" {id: $target_id}")
		params["target_id"] = f.TargetID
	}
	b.WriteString(")")
	return b.String()
}

func renderFindRelationships(f graph.RelFilter) (string, map[string]any) {
	params := map[string]any{}
	match := relMatch(f, params)
	return match + " RETURN type(r) AS type, labels(a)[0] AS source_label, a.id AS source_id, " +
		"labels(b)[0] AS target_label, b.id AS target_id, properties(r) AS props", params
}

func renderUpdateRelationships(f graph.RelFilter) (string, map[string]any) {
	params := map[string]any{}
	match := relMatch(f, params)
	return match + " SET r += $props RETURN count(r) AS count", params
}

func renderDeleteRelationships(f graph.RelFilter) (string, map[string]any) {
	params := map[string]any{}
	match := relMatch(f, params)
	return match + " DELETE r RETURN count(r) AS count", params
}

func renderNeighborhood(q graph.NeighborQuery) (string, map[string]any) {
	params := map[string]any{"id": q.ID}
	rel := ""
	if q.Rel != "" {
		rel = ":" + string(q.Rel)
	}
	neighbor := ""
	if q.NeighborLabel != "" {
		neighbor = ":" + string(q.NeighborLabel)
	}
	var pattern string
	if q.Direction == graph.Incoming {
		pattern = fmt.Sprintf("(m%s)-[%s]->(n:%s {id: $id})", neighbor, rel, q.Label)
	} else {
		pattern = fmt.Sprintf("(n:%s {id: $id})-[%s]->(m%s)", q.Label, rel, neighbor)
	}
	stmt := fmt.Sprintf("MATCH %s RETURN DISTINCT m ORDER BY m.created_at, m.id", pattern)
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return stmt, params
}

// renderReachable uses an EXISTS subquery; Neo4j 5 dropped the pattern form
// of exists(). Skip entries exclude matching edges from the traversal, and a
// missing property never matches (the <> against null coalesces to true).
func renderReachable(label schema.Label, rel schema.RelType, skip map[string]any) (string, map[string]any) {
	params := map[string]any{}
	inner := fmt.Sprintf("MATCH (a)-[:%s*]->(b)", rel)
	if len(skip) > 0 {
		conds := make([]string, 0, len(skip))
		for _, k := range sortedKeys(skip) {
			p := "s_" + k
			conds = append(conds, fmt.Sprintf("coalesce(x.%s <> $%s, true)", k, p))
			params[p] = skip[k]
		}
		inner = fmt.Sprintf("MATCH p = (a)-[:%s*]->(b) WHERE all(x IN relationships(p) WHERE %s)",
			rel, strings.Join(conds, " AND "))
	}
	stmt := fmt.Sprintf(
		"MATCH (a:%s {id: $from}), (b:%s {id: $to}) RETURN EXISTS { %s } AS reachable",
		label, label, inner)
	return stmt, params
}

func renderUniqueConstraint(label schema.Label, property string) string {
	return fmt.Sprintf(
		"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		constraintName(label, property), label, property)
}

func renderIndex(label schema.Label, properties []string) string {
	cols := make([]string, len(properties))
	for i, p := range properties {
		cols[i] = "n." + p
	}
	return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)",
		indexName(label, properties), label, strings.Join(cols, ", "))
}

func renderVectorIndex(label schema.Label, property string, dims int) string {
	return fmt.Sprintf(
		"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
		indexName(label, []string{property, "vec"}), label, property, dims)
}

func constraintName(label schema.Label, property string) string {
	return strings.ToLower(fmt.Sprintf("uniq_%s_%s", label, property))
}

func indexName(label schema.Label, properties []string) string {
	return strings.ToLower(fmt.Sprintf("idx_%s_%s", label, strings.Join(properties, "_")))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
