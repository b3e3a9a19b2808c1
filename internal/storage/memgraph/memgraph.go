// Package memgraph backs storage.GraphStore with an in-process property
// graph for single-process/dev deployments without a Neo4j instance, the
// same role the sqlite package plays for the VectorStore. It supports the
// full traversal contract but only a minimal MATCH subset in ExecuteCypher;
// production deployments use the neo4j package.
package memgraph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

type node struct {
	labels []string
	props  map[string]interface{}
}

type edge struct {
	from, to string
	relType  types.RelationshipType
	props    map[string]interface{}
}

// GraphStore is the in-memory storage.GraphStore implementation. Safe for
// concurrent use via a single RWMutex; every operation is O(nodes+edges),
// which is fine at dev scale.
type GraphStore struct {
	mu    sync.RWMutex
	nodes map[string]*node
	edges []edge
}

var _ storage.GraphStore = (*GraphStore)(nil)

func New() *GraphStore {
	return &GraphStore{nodes: make(map[string]*node)}
}

func (g *GraphStore) Close() error { return nil }

// EnsureSchema is a no-op: the in-memory store keys nodes by id, so the
// (label, id) uniqueness constraint holds by construction.
func (g *GraphStore) EnsureSchema(ctx context.Context) error { return nil }

func (g *GraphStore) CreateNode(ctx context.Context, label string, properties map[string]interface{}) error {
	id, _ := properties["id"].(string)
	if id == "" {
		return fmt.Errorf("%w: node requires an id property", storage.ErrInvalidInput)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	props := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	if existing, ok := g.nodes[id]; ok {
		for k, v := range props {
			existing.props[k] = v
		}
		existing.labels = mergeLabels(existing.labels, label)
		return nil
	}
	g.nodes[id] = &node{labels: mergeLabels(nil, label), props: props}
	return nil
}

func mergeLabels(labels []string, label string) []string {
	want := []string{types.CommonLabel}
	if label != "" && label != types.CommonLabel {
		want = append(want, label)
	}
	for _, w := range want {
		found := false
		for _, l := range labels {
			if l == w {
				found = true
				break
			}
		}
		if !found {
			labels = append(labels, w)
		}
	}
	return labels
}

func (g *GraphStore) UpdateNode(ctx context.Context, id string, patch map[string]interface{}, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	if label != "" && !hasLabel(n, label) {
		return storage.ErrNotFound
	}
	for k, v := range patch {
		n.props[k] = v
	}
	return nil
}

func hasLabel(n *node, label string) bool {
	for _, l := range n.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (g *GraphStore) DeleteNode(ctx context.Context, id string, label string, detach bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	if label != "" && !hasLabel(n, label) {
		return nil
	}
	if !detach {
		for _, e := range g.edges {
			if e.from == id || e.to == id {
				return fmt.Errorf("%w: node %s still has relationships", storage.ErrInvalidInput, id)
			}
		}
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from != id && e.to != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	delete(g.nodes, id)
	return nil
}

func (g *GraphStore) CreateRelationship(ctx context.Context, source, target string, relType types.RelationshipType, properties map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("%w: relationship source %s", storage.ErrNotFound, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("%w: relationship target %s", storage.ErrNotFound, target)
	}
	for i, e := range g.edges {
		if e.from == source && e.to == target && e.relType == relType {
			for k, v := range properties {
				if g.edges[i].props == nil {
					g.edges[i].props = map[string]interface{}{}
				}
				g.edges[i].props[k] = v
			}
			return nil
		}
	}
	props := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	g.edges = append(g.edges, edge{from: source, to: target, relType: relType, props: props})
	return nil
}

func (g *GraphStore) DeleteRelationship(ctx context.Context, source, target string, relType types.RelationshipType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from == source && e.to == target && (relType == "" || e.relType == relType) {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return nil
}

// GetRelated performs a breadth-first traversal up to depth hops. Soft-
// deleted nodes and the start node are excluded from the result set, and
// since edges are pruned when either endpoint is
// hard-deleted, orphaned edges cannot surface.
func (g *GraphStore) GetRelated(ctx context.Context, nodeID string, relTypes []types.RelationshipType, direction types.Direction, depth, limit int) ([]types.RelatedNode, error) {
	if depth < 1 {
		depth = 1
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, nil
	}

	typeOK := func(rt types.RelationshipType) bool {
		if len(relTypes) == 0 {
			return true
		}
		for _, t := range relTypes {
			if t == rt {
				return true
			}
		}
		return false
	}

	type hop struct {
		id       string
		lastEdge types.RelationshipType
	}
	visited := map[string]bool{nodeID: true}
	frontier := []hop{{id: nodeID}}
	var out []types.RelatedNode

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []hop
		for _, h := range frontier {
			for _, e := range g.edges {
				if !typeOK(e.relType) {
					continue
				}
				var otherID string
				switch {
				case e.from == h.id && direction != types.DirectionIncoming:
					otherID = e.to
				case e.to == h.id && direction != types.DirectionOutgoing:
					otherID = e.from
				default:
					continue
				}
				if visited[otherID] {
					continue
				}
				visited[otherID] = true
				next = append(next, hop{id: otherID, lastEdge: e.relType})

				n := g.nodes[otherID]
				if deleted, _ := n.props["deleted"].(bool); deleted {
					continue
				}
				out = append(out, types.RelatedNode{
					ID:           types.MemoryID(otherID),
					Labels:       append([]string(nil), n.labels...),
					Properties:   copyProps(n.props),
					LastEdgeType: e.relType,
				})
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// FindPath returns the shortest undirected path between a and b, or
// (nil, nil) if none exists within maxDepth hops.
func (g *GraphStore) FindPath(ctx context.Context, a, b string, relTypes []types.RelationshipType, maxDepth int) ([]string, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[a]; !ok {
		return nil, nil
	}
	if _, ok := g.nodes[b]; !ok {
		return nil, nil
	}

	typeOK := func(rt types.RelationshipType) bool {
		if len(relTypes) == 0 {
			return true
		}
		for _, t := range relTypes {
			if t == rt {
				return true
			}
		}
		return false
	}

	parent := map[string]string{a: a}
	frontier := []string{a}
	for d := 0; d < maxDepth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, e := range g.edges {
				if !typeOK(e.relType) {
					continue
				}
				var otherID string
				switch id {
				case e.from:
					otherID = e.to
				case e.to:
					otherID = e.from
				default:
					continue
				}
				if _, seen := parent[otherID]; seen {
					continue
				}
				parent[otherID] = id
				if otherID == b {
					return buildPath(parent, a, b), nil
				}
				next = append(next, otherID)
			}
		}
		frontier = next
	}
	return nil, nil
}

func buildPath(parent map[string]string, a, b string) []string {
	var rev []string
	for cur := b; ; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == a {
			break
		}
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}

// cypherNodeScan recognizes the MATCH subset the QueryEngine's GraphFirst
// planner and the graph_query tool emit against the dev store:
//
//	MATCH (n[:Label]) [WHERE ...] RETURN n [LIMIT $limit]
//
// Anything more structured should run against the neo4j backend.
var cypherNodeScan = regexp.MustCompile(`(?is)^\s*MATCH\s*\(\s*(\w+)\s*(?::\s*(\w+))?\s*\)\s*(?:WHERE\s+(.+?))?\s*RETURN\s+(\w+)\s*(?:LIMIT\s+(\$\w+|\d+))?\s*$`)

// ExecuteCypher runs a pre-validated read-only query. Only the node-scan
// MATCH form above is evaluated; unsupported queries fail rather than
// silently returning nothing.
func (g *GraphStore) ExecuteCypher(ctx context.Context, query string, parameters map[string]interface{}) ([]map[string]interface{}, error) {
	if err := validateFirstKeyword(query); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	m := cypherNodeScan.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("%w: memgraph supports only single-node MATCH ... RETURN queries", storage.ErrInvalidInput)
	}
	alias, label, where, returned, limitTok := m[1], m[2], m[3], m[4], m[5]
	if returned != alias {
		return nil, fmt.Errorf("%w: RETURN must reference the matched alias", storage.ErrInvalidInput)
	}

	limit := 0
	if limitTok != "" {
		if strings.HasPrefix(limitTok, "$") {
			if v, ok := parameters[limitTok[1:]]; ok {
				limit = toInt(v)
			}
		} else {
			limit = toInt(limitTok)
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []map[string]interface{}
	for _, id := range ids {
		n := g.nodes[id]
		if label != "" && !hasLabel(n, label) {
			continue
		}
		if where != "" && !evalWhere(where, alias, n.props, parameters) {
			continue
		}
		rows = append(rows, map[string]interface{}{returned: copyProps(n.props)})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func validateFirstKeyword(query string) error {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	for _, prefix := range []string{"MATCH", "OPTIONAL MATCH", "WITH", "UNWIND"} {
		if strings.HasPrefix(trimmed, prefix) {
			return nil
		}
	}
	return fmt.Errorf("query must start with MATCH, OPTIONAL MATCH, WITH, or UNWIND")
}

// evalWhere handles OR-joined `alias.field CONTAINS $param` clauses, the
// shape the GraphFirst planner generates. Unknown clauses evaluate false.
func evalWhere(where, alias string, props map[string]interface{}, params map[string]interface{}) bool {
	for _, clause := range strings.Split(where, " OR ") {
		clause = strings.TrimSpace(clause)
		m := containsClause.FindStringSubmatch(clause)
		if m == nil || m[1] != alias {
			continue
		}
		field, paramName := m[2], m[3]
		needle, _ := params[paramName].(string)
		if hay, ok := props[field].(string); ok && needle != "" && strings.Contains(hay, needle) {
			return true
		}
	}
	return false
}

var containsClause = regexp.MustCompile(`^(\w+)\.(\w+)\s+CONTAINS\s+\$(\w+)$`)

func (g *GraphStore) CountNodes(ctx context.Context, label string, filter storage.Filter) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, nd := range g.nodes {
		if label != "" && !hasLabel(nd, label) {
			continue
		}
		if !filter.Matches(nd.props) {
			continue
		}
		n++
	}
	return n, nil
}

func (g *GraphStore) NodeExists(ctx context.Context, id string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok, nil
}

// ListNodeIDs enumerates up to limit node ids for label, sorted so audit
// passes see a stable prefix.
func (g *GraphStore) ListNodeIDs(ctx context.Context, label string, limit int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id, n := range g.nodes {
		if label != "" && !hasLabel(n, label) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *GraphStore) Healthy(ctx context.Context) error { return nil }

// RelationshipCount reports the number of edges, used by tests.
func (g *GraphStore) RelationshipCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

func copyProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		_, _ = fmt.Sscanf(n, "%d", &parsed)
		return parsed
	default:
		return 0
	}
}
