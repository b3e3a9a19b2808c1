// Package sqlite backs storage.VectorStore with an embedded modernc.org/sqlite
// database for single-process/dev deployments that don't have a Postgres +
// pgvector instance available. Cosine similarity is computed in Go since
// sqlite has no native vector index; this trades ANN recall for zero
// external dependencies, which is acceptable at dev scale.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// VectorStore is the sqlite-backed storage.VectorStore implementation.
type VectorStore struct {
	db *sql.DB
}

var _ storage.VectorStore = (*VectorStore)(nil)

// Open opens (creating if necessary) a sqlite database file at path.
func Open(path string) (*VectorStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite vectorstore: %v", storage.ErrStorageUnavailable, err)
	}
	return &VectorStore{db: db}, nil
}

func New(db *sql.DB) *VectorStore { return &VectorStore{db: db} }

func (s *VectorStore) Close() error { return s.db.Close() }

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateCollection(collection string) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("%w: invalid collection name %q", storage.ErrInvalidInput, collection)
	}
	return nil
}

func (s *VectorStore) EnsureCollection(ctx context.Context, collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    embedding BLOB,
    payload TEXT NOT NULL DEFAULT '{}'
);
`, collection)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: ensure collection %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (s *VectorStore) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]interface{}) error {
	if len(vector) != 0 && len(vector) != types.VectorDimension {
		return storage.ErrDimensionMismatch
	}
	if err := validateCollection(collection); err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", storage.ErrInvalidInput, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding, payload = excluded.payload`, collection)
	if _, err := s.db.ExecContext(ctx, query, id, encodeVector(vector), payloadJSON); err != nil {
		return fmt.Errorf("%w: upsert %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *VectorStore) UpsertBatch(ctx context.Context, collection string, points []storage.Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", storage.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	for _, p := range points {
		if err := s.upsertTx(ctx, tx, collection, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *VectorStore) upsertTx(ctx context.Context, tx *sql.Tx, collection string, p storage.Point) error {
	if len(p.Vector) != 0 && len(p.Vector) != types.VectorDimension {
		return storage.ErrDimensionMismatch
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", storage.ErrInvalidInput, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding, payload = excluded.payload`, collection)
	_, err = tx.ExecContext(ctx, query, p.ID, encodeVector(p.Vector), payloadJSON)
	return err
}

func (s *VectorStore) Get(ctx context.Context, collection, id string, withVector bool) (*storage.Point, error) {
	query := fmt.Sprintf("SELECT id, embedding, payload FROM %s WHERE id = ?", collection)
	row := s.db.QueryRowContext(ctx, query, id)
	var gotID string
	var vecBlob []byte
	var payloadJSON []byte
	if err := row.Scan(&gotID, &vecBlob, &payloadJSON); err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, err
	}
	pt := &storage.Point{ID: gotID, Payload: payload}
	if withVector {
		pt.Vector = decodeVector(vecBlob)
	}
	return pt, nil
}

func (s *VectorStore) UpdatePayload(ctx context.Context, collection, id string, patch map[string]interface{}) error {
	existing, err := s.Get(ctx, collection, id, false)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if existing.Payload == nil {
			existing.Payload = map[string]interface{}{}
		}
		existing.Payload[k] = v
	}
	payloadJSON, err := json.Marshal(existing.Payload)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET payload = ? WHERE id = ?", collection)
	if _, err := s.db.ExecContext(ctx, query, payloadJSON, id); err != nil {
		return fmt.Errorf("%w: update payload %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *VectorStore) Delete(ctx context.Context, collection, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", collection)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", storage.ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

func (s *VectorStore) DeleteByFilter(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	points, err := s.Scroll(ctx, collection, filter, math.MaxInt32, 0)
	if err != nil {
		return 0, err
	}
	for _, p := range points {
		if err := s.Delete(ctx, collection, p.ID); err != nil {
			return 0, err
		}
	}
	return len(points), nil
}

func (s *VectorStore) allPoints(ctx context.Context, collection string) ([]storage.Point, error) {
	query := fmt.Sprintf("SELECT id, embedding, payload FROM %s", collection)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", storage.ErrStorageUnavailable, collection, err)
	}
	defer rows.Close()

	var out []storage.Point
	for rows.Next() {
		var id string
		var vecBlob, payloadJSON []byte
		if err := rows.Scan(&id, &vecBlob, &payloadJSON); err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, err
		}
		out = append(out, storage.Point{ID: id, Vector: decodeVector(vecBlob), Payload: payload})
	}
	return out, rows.Err()
}

func cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *VectorStore) Search(ctx context.Context, collection string, queryVector []float32, limit int, filter storage.Filter, scoreThreshold float64) ([]storage.ScoredPoint, error) {
	if len(queryVector) != types.VectorDimension {
		return nil, storage.ErrDimensionMismatch
	}
	points, err := s.allPoints(ctx, collection)
	if err != nil {
		return nil, err
	}
	var scored []storage.ScoredPoint
	for _, p := range points {
		if !filter.Matches(p.Payload) {
			continue
		}
		score := cosine(p.Vector, queryVector)
		if scoreThreshold > 0 && score < scoreThreshold {
			continue
		}
		scored = append(scored, storage.ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload, Vector: p.Vector})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *VectorStore) Scroll(ctx context.Context, collection string, filter storage.Filter, limit, offset int) ([]storage.Point, error) {
	points, err := s.allPoints(ctx, collection)
	if err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	var filtered []storage.Point
	for _, p := range points {
		if filter.Matches(p.Payload) {
			filtered = append(filtered, p)
		}
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (s *VectorStore) Count(ctx context.Context, collection string, filter storage.Filter) (int, error) {
	points, err := s.allPoints(ctx, collection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range points {
		if filter.Matches(p.Payload) {
			n++
		}
	}
	return n, nil
}
