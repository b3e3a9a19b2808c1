// Package postgres backs storage.VectorStore with PostgreSQL + pgvector,
// using the cosine-distance (`<=>`) operator and an ivfflat index, with one
// physical table per VectorStore collection.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/memento/internal/storage"
)

// VectorStore is the pgvector-backed storage.VectorStore implementation.
type VectorStore struct {
	db *sql.DB
}

var _ storage.VectorStore = (*VectorStore)(nil)

// New wraps an already-open database connection. Callers own its lifecycle.
func New(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateCollection(collection string) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("%w: invalid collection name %q", storage.ErrInvalidInput, collection)
	}
	return nil
}

// EnsureCollection creates the physical table and its payload indexes for
// collection if they do not already exist.
func (s *VectorStore) EnsureCollection(ctx context.Context, collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    embedding vector(1024),
    kind TEXT NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT false,
    sync_status TEXT NOT NULL DEFAULT 'synced',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    importance_score REAL NOT NULL DEFAULT 0,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_kind ON %[1]s(kind);
CREATE INDEX IF NOT EXISTS idx_%[1]s_deleted ON %[1]s(deleted);
CREATE INDEX IF NOT EXISTS idx_%[1]s_sync_status ON %[1]s(sync_status);
CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s(created_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s(updated_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_importance ON %[1]s(importance_score);
DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_%[1]s_embedding_cosine') THEN
    IF EXISTS (SELECT 1 FROM %[1]s LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_%[1]s_embedding_cosine ON %[1]s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`, collection)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: ensure collection %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	return nil
}

// vectorColumns must match the scan order in scanPoint.
const vectorColumns = "id, embedding, payload"

func (s *VectorStore) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]interface{}) error {
	if len(vector) != 0 && len(vector) != 1024 {
		return storage.ErrDimensionMismatch
	}
	if err := validateCollection(collection); err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", storage.ErrInvalidInput, err)
	}

	kind, _ := payload["kind"].(string)
	deleted, _ := payload["deleted"].(bool)
	syncStatus, _ := payload["sync_status"].(string)
	if syncStatus == "" {
		syncStatus = "synced"
	}
	importance, _ := payload["importance_score"].(float64)

	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, embedding, kind, deleted, sync_status, importance_score, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
    embedding = EXCLUDED.embedding,
    kind = EXCLUDED.kind,
    deleted = EXCLUDED.deleted,
    sync_status = EXCLUDED.sync_status,
    importance_score = EXCLUDED.importance_score,
    payload = EXCLUDED.payload,
    updated_at = now()
`, collection)

	var pgVec interface{}
	if len(vector) == 1024 {
		pgVec = pgvector.NewVector(vector)
	}
	if _, err := s.db.ExecContext(ctx, query, id, pgVec, kind, deleted, syncStatus, importance, payloadJSON); err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *VectorStore) UpsertBatch(ctx context.Context, collection string, points []storage.Point) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", storage.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	for _, p := range points {
		if len(p.Vector) != 0 && len(p.Vector) != 1024 {
			return storage.ErrDimensionMismatch
		}
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("%w: marshal payload for %s: %v", storage.ErrInvalidInput, p.ID, err)
		}
		kind, _ := p.Payload["kind"].(string)
		query := fmt.Sprintf(`
INSERT INTO %[1]s (id, embedding, kind, payload, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, kind = EXCLUDED.kind, payload = EXCLUDED.payload, updated_at = now()
`, collection)
		var pgVec interface{}
		if len(p.Vector) == 1024 {
			pgVec = pgvector.NewVector(p.Vector)
		}
		if _, err := tx.ExecContext(ctx, query, p.ID, pgVec, kind, payloadJSON); err != nil {
			return fmt.Errorf("%w: batch upsert %s: %v", storage.ErrStorageUnavailable, p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *VectorStore) Get(ctx context.Context, collection, id string, withVector bool) (*storage.Point, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", vectorColumns, collection)
	row := s.db.QueryRowContext(ctx, query, id)
	pt, err := scanPoint(row, withVector)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return pt, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoint(row rowScanner, withVector bool) (*storage.Point, error) {
	var id string
	var vec pgvector.Vector
	var payloadJSON []byte
	if err := row.Scan(&id, &vec, &payloadJSON); err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, err
	}
	pt := &storage.Point{ID: id, Payload: payload}
	if withVector {
		pt.Vector = vec.Slice()
	}
	return pt, nil
}

func (s *VectorStore) UpdatePayload(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: marshal patch: %v", storage.ErrInvalidInput, err)
	}
	// The filterable columns mirror their payload keys, so a patch touching
	// one of them updates the column too (buildWhere filters on the column).
	query := fmt.Sprintf(`UPDATE %s SET payload = payload || $2::jsonb,
    deleted = COALESCE(($2::jsonb->>'deleted')::boolean, deleted),
    sync_status = COALESCE($2::jsonb->>'sync_status', sync_status),
    importance_score = COALESCE(($2::jsonb->>'importance_score')::real, importance_score),
    updated_at = now() WHERE id = $1`, collection)
	res, err := s.db.ExecContext(ctx, query, id, patchJSON)
	if err != nil {
		return fmt.Errorf("%w: update payload %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *VectorStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", collection)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *VectorStore) DeleteByFilter(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	where, args := buildWhere(filter)
	query := fmt.Sprintf("DELETE FROM %s %s", collection, where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete by filter %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Search performs filter-first cosine KNN. scoreThreshold <= 0
// disables the threshold.
func (s *VectorStore) Search(ctx context.Context, collection string, queryVector []float32, limit int, filter storage.Filter, scoreThreshold float64) ([]storage.ScoredPoint, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if len(queryVector) != 1024 {
		return nil, storage.ErrDimensionMismatch
	}
	where, args := buildWhere(filter)
	args = append(args, pgvector.NewVector(queryVector))
	vecArg := len(args)
	query := fmt.Sprintf(`
SELECT id, embedding, payload, 1 - (embedding <=> $%d) AS score
FROM %s %s
ORDER BY embedding <=> $%d ASC
LIMIT %d`, vecArg, collection, where, vecArg, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	defer rows.Close()

	var out []storage.ScoredPoint
	for rows.Next() {
		var id string
		var vec pgvector.Vector
		var payloadJSON []byte
		var score float64
		if err := rows.Scan(&id, &vec, &payloadJSON, &score); err != nil {
			return nil, err
		}
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, err
		}
		out = append(out, storage.ScoredPoint{ID: id, Score: score, Payload: payload, Vector: vec.Slice()})
	}
	return out, rows.Err()
}

func (s *VectorStore) Scroll(ctx context.Context, collection string, filter storage.Filter, limit, offset int) ([]storage.Point, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	where, args := buildWhere(filter)
	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id LIMIT %d OFFSET %d", vectorColumns, collection, where, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scroll %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	defer rows.Close()

	var out []storage.Point
	for rows.Next() {
		pt, err := scanPoint(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, *pt)
	}
	return out, rows.Err()
}

func (s *VectorStore) Count(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	where, args := buildWhere(filter)
	query := fmt.Sprintf("SELECT count(*) FROM %s %s", collection, where)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	return n, nil
}

// buildWhere translates storage.Filter into a SQL WHERE clause against the
// known top-level columns (kind, deleted, sync_status, created_at,
// updated_at, importance_score) and falls back to the JSONB payload column
// for anything else.
func buildWhere(filter storage.Filter) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	for field, pred := range filter {
		clause, vals := buildClause(field, pred, len(args)+1)
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func columnFor(field string) (string, bool) {
	switch field {
	case "kind", "deleted", "sync_status", "created_at", "updated_at", "importance_score":
		return field, true
	default:
		return "", false
	}
}

func buildClause(field string, pred interface{}, nextArg int) (string, []interface{}) {
	col, known := columnFor(field)
	expr := col
	if !known {
		expr = fmt.Sprintf("payload->>'%s'", strings.ReplaceAll(field, "'", ""))
	}

	switch p := pred.(type) {
	case storage.Not:
		inner, vals := buildClause(field, p.Inner, nextArg)
		return "NOT (" + inner + ")", vals
	case storage.In:
		return fmt.Sprintf("%s = ANY($%d)", expr, nextArg), []interface{}{pq.Array(p.Values)}
	case storage.Range:
		if !known {
			// JSONB values come back as text; range comparisons need the
			// numeric cast.
			expr = "(" + expr + ")::numeric"
		}
		var parts []string
		var args []interface{}
		i := nextArg
		if p.Gte != nil {
			parts = append(parts, fmt.Sprintf("%s >= $%d", expr, i))
			args = append(args, p.Gte)
			i++
		}
		if p.Lte != nil {
			parts = append(parts, fmt.Sprintf("%s <= $%d", expr, i))
			args = append(args, p.Lte)
			i++
		}
		if p.Gt != nil {
			parts = append(parts, fmt.Sprintf("%s > $%d", expr, i))
			args = append(args, p.Gt)
			i++
		}
		if p.Lt != nil {
			parts = append(parts, fmt.Sprintf("%s < $%d", expr, i))
			args = append(args, p.Lt)
		}
		return "(" + strings.Join(parts, " AND ") + ")", args
	case storage.Contains:
		return fmt.Sprintf("%s LIKE $%d", expr, nextArg), []interface{}{"%" + p.Value + "%"}
	default:
		return fmt.Sprintf("%s = $%d", expr, nextArg), []interface{}{pred}
	}
}
