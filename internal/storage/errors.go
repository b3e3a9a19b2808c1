// Package storage defines the VectorStore and GraphStore contracts and the
// filter expression language shared by their implementations. Concrete
// backends live in the postgres, sqlite, neo4j, and memgraph subpackages.
package storage

import "errors"

// Sentinel errors surfaced by VectorStore and GraphStore implementations.
// Callers distinguish retryable failures (StorageUnavailable) from
// permanent ones via errors.Is.
var (
	// ErrNotFound indicates the requested id was absent.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates a malformed request (e.g. bad filter).
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector did not have exactly
	// types.VectorDimension components.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCollectionMissing indicates a kind's collection was never
	// initialized.
	ErrCollectionMissing = errors.New("collection not initialized")

	// ErrStorageUnavailable indicates a transient connectivity failure.
	// Callers must treat this as retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrGraphBoundsExceeded indicates a traversal exceeded its configured
	// depth, node, or edge bounds.
	ErrGraphBoundsExceeded = errors.New("graph bounds exceeded")

	// ErrEmbeddingUnavailable indicates the embedding service failed with
	// fallback disabled.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrQueryRejected indicates a Cypher query failed the read-only
	// validator and was never sent to GraphStore.
	ErrQueryRejected = errors.New("query rejected by read-only validator")

	// ErrNormalizerBusy indicates a normalization run was requested while
	// another was already in progress.
	ErrNormalizerBusy = errors.New("normalizer already running")

	// ErrSnapshotTooLarge indicates snapshot phase refused to proceed
	// because live row count exceeded max_snapshot_entries.
	ErrSnapshotTooLarge = errors.New("snapshot exceeds max_snapshot_entries")
)
