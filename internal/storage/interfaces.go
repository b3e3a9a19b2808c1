package storage

import (
	"context"

	"github.com/scrypster/memento/pkg/types"
)

// ScoredPoint is one hit from VectorStore.Search: an id, its cosine
// similarity against the query vector, and its payload.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
	Vector  []float32
}

// Point is a single VectorStore row, as returned by Get and Scroll.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// VectorStore is a collection-per-kind vector index. Every
// operation may suspend on a remote call; implementations must be safe for
// concurrent use.
type VectorStore interface {
	// EnsureCollection initializes the named collection if it does not
	// already exist, including its payload indexes.
	EnsureCollection(ctx context.Context, collection string) error

	// Upsert is idempotent by id and blocks until durable. Returns
	// ErrDimensionMismatch if vector is non-empty and
	// len(vector) != types.VectorDimension.
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]interface{}) error

	// UpsertBatch is atomic per call on the underlying store's semantics;
	// partial failure is reported as a whole-batch error.
	UpsertBatch(ctx context.Context, collection string, points []Point) error

	// Get returns the payload (and, if withVector, the vector) for id, or
	// ErrNotFound.
	Get(ctx context.Context, collection, id string, withVector bool) (*Point, error)

	// UpdatePayload shallow-merges patch into the stored payload.
	UpdatePayload(ctx context.Context, collection, id string, patch map[string]interface{}) error

	// Delete hard-removes id from collection.
	Delete(ctx context.Context, collection, id string) error

	// DeleteByFilter removes every point matching filter and returns the
	// count removed.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) (int, error)

	// Search performs cosine-similarity KNN, filter-first then KNN,
	// descending by score. scoreThreshold <= 0 means unset.
	Search(ctx context.Context, collection string, queryVector []float32, limit int, filter Filter, scoreThreshold float64) ([]ScoredPoint, error)

	// Scroll provides stable pagination over a filtered full scan.
	Scroll(ctx context.Context, collection string, filter Filter, limit, offset int) ([]Point, error)

	// Count returns the exact number of points matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int, error)
}

// GraphStore is a property graph whose node label equals the owning kind's
// canonical label; every node also carries types.CommonLabel.
type GraphStore interface {
	// EnsureSchema creates uniqueness constraints on (label, id) for every
	// kind plus secondary indexes on frequently filtered fields.
	EnsureSchema(ctx context.Context) error

	CreateNode(ctx context.Context, label string, properties map[string]interface{}) error
	UpdateNode(ctx context.Context, id string, patch map[string]interface{}, label string) error

	// DeleteNode removes the node. When detach is true (mandatory for hard
	// delete) all incident relationships are removed first.
	DeleteNode(ctx context.Context, id string, label string, detach bool) error

	// CreateRelationship fails if either endpoint does not exist.
	CreateRelationship(ctx context.Context, source, target string, relType types.RelationshipType, properties map[string]interface{}) error
	DeleteRelationship(ctx context.Context, source, target string, relType types.RelationshipType) error

	// GetRelated performs breadth-bounded traversal, excluding the start
	// node. An empty relTypes slice means any type.
	GetRelated(ctx context.Context, nodeID string, relTypes []types.RelationshipType, direction types.Direction, depth, limit int) ([]types.RelatedNode, error)

	// FindPath returns the shortest undirected path between a and b, or
	// (nil, nil) if absent.
	FindPath(ctx context.Context, a, b string, relTypes []types.RelationshipType, maxDepth int) ([]string, error)

	// ExecuteCypher runs a pre-validated read-only query. Callers MUST run
	// the query through a read-only validator first. As a defense-in-depth
	// measure every implementation at least rejects queries whose first
	// keyword is not MATCH, OPTIONAL MATCH, WITH or UNWIND; the neo4j
	// implementation reruns the full validator.
	ExecuteCypher(ctx context.Context, query string, parameters map[string]interface{}) ([]map[string]interface{}, error)

	CountNodes(ctx context.Context, label string, filter Filter) (int, error)

	// NodeExists is used by CreateRelationship's endpoint validation and by
	// the SyncLayer to decide whether a pending write needs a create or an
	// update.
	NodeExists(ctx context.Context, id string) (bool, error)

	// ListNodeIDs enumerates up to limit node ids carrying label (the
	// common label when empty), in stable order. The SyncLayer's auditor
	// uses this to find graph-only nodes that have no VectorStore row.
	ListNodeIDs(ctx context.Context, label string, limit int) ([]string, error)

	// Healthy performs a minimal connectivity check for the Normalizer's
	// validation phase.
	Healthy(ctx context.Context) error

	Close() error
}
