// Package neo4j backs storage.GraphStore with a real Neo4j property graph,
// using Cypher for every operation including bounded traversal and the
// read-only query path (see querylint.go).
package neo4j

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// GraphStore is the neo4j-go-driver-backed storage.GraphStore implementation.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ storage.GraphStore = (*GraphStore)(nil)

// Open dials uri with basic auth and verifies connectivity.
func Open(ctx context.Context, uri, user, password, database string) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: dial neo4j: %v", storage.ErrStorageUnavailable, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("%w: verify neo4j connectivity: %v", storage.ErrStorageUnavailable, err)
	}
	if database == "" {
		database = "neo4j"
	}
	return &GraphStore{driver: driver, database: database}, nil
}

func New(driver neo4j.DriverWithContext, database string) *GraphStore {
	if database == "" {
		database = "neo4j"
	}
	return &GraphStore{driver: driver, database: database}
}

func (g *GraphStore) Close() error {
	return g.driver.Close(context.Background())
}

func (g *GraphStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database, AccessMode: mode})
}

// EnsureSchema creates a uniqueness constraint on (label, id) for every kind
// plus secondary indexes on status, file_path, and name.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	labels := make([]string, 0, len(types.AllKinds)+1)
	for _, k := range types.AllKinds {
		labels = append(labels, k.Label())
	}
	labels = append(labels, types.CommonLabel)

	for _, label := range labels {
		stmts := []string{
			fmt.Sprintf("CREATE CONSTRAINT IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE", label),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (n:%s) ON (n.status)", label),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (n:%s) ON (n.file_path)", label),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (n:%s) ON (n.name)", label),
		}
		for _, stmt := range stmts {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("%w: ensure schema for %s: %v", storage.ErrStorageUnavailable, label, err)
			}
		}
	}
	return nil
}

func (g *GraphStore) CreateNode(ctx context.Context, label string, properties map[string]interface{}) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := fmt.Sprintf("MERGE (n:%s:%s {id: $id}) SET n += $props", sanitizeLabel(label), types.CommonLabel)
	id, _ := properties["id"].(string)
	_, err := session.Run(ctx, query, map[string]interface{}{"id": id, "props": properties})
	if err != nil {
		return fmt.Errorf("%w: create node %s: %v", storage.ErrStorageUnavailable, id, err)
	}
	return nil
}

func (g *GraphStore) UpdateNode(ctx context.Context, id string, patch map[string]interface{}, label string) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	matchLabel := ":" + types.CommonLabel
	if label != "" {
		matchLabel = ":" + sanitizeLabel(label)
	}
	query := fmt.Sprintf("MATCH (n%s {id: $id}) SET n += $patch RETURN n.id", matchLabel)
	result, err := session.Run(ctx, query, map[string]interface{}{"id": id, "patch": patch})
	if err != nil {
		return fmt.Errorf("%w: update node %s: %v", storage.ErrStorageUnavailable, id, err)
	}
	if !result.Next(ctx) {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteNode removes the node. detach=true additionally removes every
// incident relationship first, as required for hard delete.
func (g *GraphStore) DeleteNode(ctx context.Context, id string, label string, detach bool) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	matchLabel := ":" + types.CommonLabel
	if label != "" {
		matchLabel = ":" + sanitizeLabel(label)
	}
	verb := "DELETE"
	if detach {
		verb = "DETACH DELETE"
	}
	query := fmt.Sprintf("MATCH (n%s {id: $id}) %s n", matchLabel, verb)
	if _, err := session.Run(ctx, query, map[string]interface{}{"id": id}); err != nil {
		return fmt.Errorf("%w: delete node %s: %v", storage.ErrStorageUnavailable, id, err)
	}
	return nil
}

func (g *GraphStore) CreateRelationship(ctx context.Context, source, target string, relType types.RelationshipType, properties map[string]interface{}) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (a:%s {id: $source}), (b:%s {id: $target})
MERGE (a)-[r:%s]->(b)
SET r += $props
RETURN a.id, b.id`, types.CommonLabel, types.CommonLabel, sanitizeRelType(relType))
	result, err := session.Run(ctx, query, map[string]interface{}{
		"source": source, "target": target, "props": properties,
	})
	if err != nil {
		return fmt.Errorf("%w: create relationship %s-[%s]->%s: %v", storage.ErrStorageUnavailable, source, relType, target, err)
	}
	if !result.Next(ctx) {
		return fmt.Errorf("%w: relationship endpoint missing (%s or %s)", storage.ErrNotFound, source, target)
	}
	return nil
}

func (g *GraphStore) DeleteRelationship(ctx context.Context, source, target string, relType types.RelationshipType) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var query string
	params := map[string]interface{}{"source": source, "target": target}
	if relType == "" {
		query = fmt.Sprintf(`MATCH (a:%s {id: $source})-[r]->(b:%s {id: $target}) DELETE r`, types.CommonLabel, types.CommonLabel)
	} else {
		query = fmt.Sprintf(`MATCH (a:%s {id: $source})-[r:%s]->(b:%s {id: $target}) DELETE r`, types.CommonLabel, sanitizeRelType(relType), types.CommonLabel)
	}
	if _, err := session.Run(ctx, query, params); err != nil {
		return fmt.Errorf("%w: delete relationship %s-[%s]->%s: %v", storage.ErrStorageUnavailable, source, relType, target, err)
	}
	return nil
}

// GetRelated performs breadth-bounded traversal up to depth hops, excluding
// the start node, and omits edges whose far endpoint does not exist (an
// orphaned edge cannot surface here because Cypher's pattern match requires
// both endpoints to be materialized nodes).
func (g *GraphStore) GetRelated(ctx context.Context, nodeID string, relTypes []types.RelationshipType, direction types.Direction, depth, limit int) ([]types.RelatedNode, error) {
	if depth < 1 {
		depth = 1
	}
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	relPattern := ""
	if len(relTypes) > 0 {
		names := make([]string, len(relTypes))
		for i, rt := range relTypes {
			names[i] = sanitizeRelType(rt)
		}
		relPattern = ":" + strings.Join(names, "|")
	}

	var arrow string
	switch direction {
	case types.DirectionIncoming:
		arrow = fmt.Sprintf("<-[rel%s*1..%d]-", relPattern, depth)
	case types.DirectionOutgoing:
		arrow = fmt.Sprintf("-[rel%s*1..%d]->", relPattern, depth)
	default:
		arrow = fmt.Sprintf("-[rel%s*1..%d]-", relPattern, depth)
	}

	query := fmt.Sprintf(`
MATCH (start:%s {id: $id})%s(other:%s)
WHERE other.id <> $id AND coalesce(other.deleted, false) = false
WITH DISTINCT other, rel
RETURN other.id AS id, labels(other) AS labels, properties(other) AS props, type(rel[-1]) AS lastEdgeType
LIMIT $limit`, types.CommonLabel, arrow, types.CommonLabel)

	result, err := session.Run(ctx, query, map[string]interface{}{"id": nodeID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("%w: get_related %s: %v", storage.ErrStorageUnavailable, nodeID, err)
	}

	var out []types.RelatedNode
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		labelsRaw, _ := rec.Get("labels")
		propsRaw, _ := rec.Get("props")
		lastEdge, _ := rec.Get("lastEdgeType")

		var labelStrs []string
		if ls, ok := labelsRaw.([]interface{}); ok {
			for _, l := range ls {
				if s, ok := l.(string); ok {
					labelStrs = append(labelStrs, s)
				}
			}
		}
		props, _ := propsRaw.(map[string]interface{})
		out = append(out, types.RelatedNode{
			ID:           types.MemoryID(fmt.Sprintf("%v", id)),
			Labels:       labelStrs,
			Properties:   props,
			LastEdgeType: types.RelationshipType(fmt.Sprintf("%v", lastEdge)),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: get_related %s: %v", storage.ErrStorageUnavailable, nodeID, err)
	}
	return out, nil
}

// FindPath returns the shortest undirected path between a and b as a slice
// of node ids, or (nil, nil) if no path exists within maxDepth hops.
func (g *GraphStore) FindPath(ctx context.Context, a, b string, relTypes []types.RelationshipType, maxDepth int) ([]string, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	relPattern := ""
	if len(relTypes) > 0 {
		names := make([]string, len(relTypes))
		for i, rt := range relTypes {
			names[i] = sanitizeRelType(rt)
		}
		relPattern = ":" + strings.Join(names, "|")
	}

	query := fmt.Sprintf(`
MATCH p = shortestPath((a:%s {id: $a})-[%s*1..%d]-(b:%s {id: $b}))
RETURN [n IN nodes(p) | n.id] AS ids`, types.CommonLabel, relPattern, maxDepth, types.CommonLabel)

	result, err := session.Run(ctx, query, map[string]interface{}{"a": a, "b": b})
	if err != nil {
		return nil, fmt.Errorf("%w: find_path %s->%s: %v", storage.ErrStorageUnavailable, a, b, err)
	}
	if !result.Next(ctx) {
		return nil, nil
	}
	rec := result.Record()
	idsRaw, _ := rec.Get("ids")
	idsSlice, _ := idsRaw.([]interface{})
	ids := make([]string, 0, len(idsSlice))
	for _, v := range idsSlice {
		ids = append(ids, fmt.Sprintf("%v", v))
	}
	return ids, nil
}

// ExecuteCypher runs a pre-validated read-only query. Callers MUST have run
// query through ValidateReadOnly first; this method additionally rejects any
// query whose first keyword is not MATCH/OPTIONAL MATCH/WITH/UNWIND as a
// defense-in-depth measure before it ever reaches the driver.
func (g *GraphStore) ExecuteCypher(ctx context.Context, query string, parameters map[string]interface{}) ([]map[string]interface{}, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: execute_cypher: %v", storage.ErrStorageUnavailable, err)
	}
	var rows []map[string]interface{}
	for result.Next(ctx) {
		rec := result.Record()
		row := make(map[string]interface{}, len(rec.Keys))
		for _, k := range rec.Keys {
			v, _ := rec.Get(k)
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

func (g *GraphStore) CountNodes(ctx context.Context, label string, filter storage.Filter) (int, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	matchLabel := types.CommonLabel
	if label != "" {
		matchLabel = sanitizeLabel(label)
	}
	where, params := cypherWhere("n", filter)
	query := fmt.Sprintf("MATCH (n:%s) %s RETURN count(n) AS c", matchLabel, where)
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return 0, fmt.Errorf("%w: count_nodes: %v", storage.ErrStorageUnavailable, err)
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	c, _ := result.Record().Get("c")
	n, _ := c.(int64)
	return int(n), nil
}

func (g *GraphStore) NodeExists(ctx context.Context, id string) (bool, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n.id", types.CommonLabel), map[string]interface{}{"id": id})
	if err != nil {
		return false, fmt.Errorf("%w: node_exists %s: %v", storage.ErrStorageUnavailable, id, err)
	}
	return result.Next(ctx), nil
}

// ListNodeIDs enumerates up to limit node ids for label, ordered by id so
// repeated audit passes see a stable prefix.
func (g *GraphStore) ListNodeIDs(ctx context.Context, label string, limit int) ([]string, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	matchLabel := types.CommonLabel
	if label != "" {
		matchLabel = sanitizeLabel(label)
	}
	query := fmt.Sprintf("MATCH (n:%s) RETURN n.id AS id ORDER BY n.id LIMIT $limit", matchLabel)
	result, err := session.Run(ctx, query, map[string]interface{}{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("%w: list_node_ids: %v", storage.ErrStorageUnavailable, err)
	}
	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("id")
		ids = append(ids, fmt.Sprintf("%v", id))
	}
	return ids, result.Err()
}

func (g *GraphStore) Healthy(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: neo4j health check: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func sanitizeLabel(label string) string {
	if !labelPattern.MatchString(label) {
		return types.CommonLabel
	}
	return label
}

func sanitizeRelType(rt types.RelationshipType) string {
	s := string(rt)
	if !labelPattern.MatchString(s) {
		return "RELATED_TO"
	}
	return strings.ToUpper(s)
}

// cypherWhere builds a WHERE clause over node properties referenced via
// alias. Unlike the Postgres builder this only needs scalar equality and
// In, since CountNodes' filter use cases never need Range or
// Contains against graph properties.
func cypherWhere(alias string, filter storage.Filter) (string, map[string]interface{}) {
	if len(filter) == 0 {
		return "", map[string]interface{}{}
	}
	var clauses []string
	params := map[string]interface{}{}
	i := 0
	for field, pred := range filter {
		i++
		key := fmt.Sprintf("p%d", i)
		switch p := pred.(type) {
		case storage.In:
			clauses = append(clauses, fmt.Sprintf("%s.%s IN $%s", alias, field, key))
			params[key] = p.Values
		case storage.Not:
			clauses = append(clauses, fmt.Sprintf("NOT %s.%s = $%s", alias, field, key))
			params[key] = p.Inner
		default:
			clauses = append(clauses, fmt.Sprintf("%s.%s = $%s", alias, field, key))
			params[key] = pred
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), params
}
