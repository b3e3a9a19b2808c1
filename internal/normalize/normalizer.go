// Package normalize implements the normalization pipeline:
// snapshot -> deduplication -> orphan_detection -> embedding_refresh ->
// cleanup -> validation -> swap, with rollback on failure and a dry_run
// mode. The pipeline is single-flight globally.
package normalize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/internal/memory"
	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// Phase names, in canonical order. Callers may restrict to a
// sublist; ordering within the canonical list is always preserved.
const (
	PhaseSnapshot         = "snapshot"
	PhaseDeduplication    = "deduplication"
	PhaseOrphanDetection  = "orphan_detection"
	PhaseEmbeddingRefresh = "embedding_refresh"
	PhaseCleanup          = "cleanup"
	PhaseValidation       = "validation"
	PhaseSwap             = "swap"
)

var canonicalOrder = []string{
	PhaseSnapshot, PhaseDeduplication, PhaseOrphanDetection,
	PhaseEmbeddingRefresh, PhaseCleanup, PhaseValidation, PhaseSwap,
}

// Config mirrors config.NormalizerConfig.
type Config struct {
	ConflictThreshold       float64
	SoftDeleteRetentionDays int
	MaxSnapshotEntries      int
}

// Embedder is the subset of EmbeddingService needed by embedding_refresh.
type Embedder interface {
	Embed(ctx context.Context, content string) (memory.Result, error)
}

// Normalizer runs the phase pipeline. Single-flight globally: at most one
// run may be in progress at a time.
type Normalizer struct {
	vec      storage.VectorStore
	graph    storage.GraphStore
	embedder Embedder
	cfg      Config

	mu       sync.Mutex
	running  bool
	snapshot map[types.MemoryKind][]storage.Point
}

func New(vec storage.VectorStore, graph storage.GraphStore, embedder Embedder, cfg Config) *Normalizer {
	if cfg.ConflictThreshold <= 0 {
		cfg.ConflictThreshold = 0.95
	}
	if cfg.SoftDeleteRetentionDays <= 0 {
		cfg.SoftDeleteRetentionDays = 30
	}
	if cfg.MaxSnapshotEntries <= 0 {
		cfg.MaxSnapshotEntries = 50000
	}
	return &Normalizer{vec: vec, graph: graph, embedder: embedder, cfg: cfg}
}

// PhaseStat reports one phase's outcome. EdgesRemoved is only populated by
// orphan_detection, which prunes graph edges alongside its row fixes.
type PhaseStat struct {
	Phase        string
	Count        int
	EdgesRemoved int
	DryRun       bool
	Issues       []string
}

// Result is normalize_memory's output.
type Result struct {
	Status          string
	PhasesCompleted []string
	PhasesSkipped   []string
	Statistics      map[string]PhaseStat
	RolledBack      bool
}

// Run executes the requested phases (or the full canonical list when
// phases is empty) in canonical order. On any non-snapshot phase failure
// it attempts rollback from the snapshot.
func (n *Normalizer) Run(ctx context.Context, phases []string, dryRun bool) (Result, error) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return Result{}, corerr.New(corerr.KindConflict, "normalizer already running")
	}
	n.running = true
	n.mu.Unlock()
	defer func() {
		if dryRun {
			n.snapshot = nil
		}
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	requested := make(map[string]bool)
	if len(phases) == 0 {
		for _, p := range canonicalOrder {
			requested[p] = true
		}
	} else {
		for _, p := range phases {
			requested[p] = true
		}
	}

	result := Result{Status: "completed", Statistics: map[string]PhaseStat{}}
	processedDup := map[types.MemoryID]bool{}

	for _, phase := range canonicalOrder {
		if !requested[phase] {
			result.PhasesSkipped = append(result.PhasesSkipped, phase)
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var stat PhaseStat
		var err error
		switch phase {
		case PhaseSnapshot:
			stat, err = n.phaseSnapshot(ctx, dryRun)
		case PhaseDeduplication:
			stat, err = n.phaseDeduplication(ctx, dryRun, processedDup)
		case PhaseOrphanDetection:
			stat, err = n.phaseOrphanDetection(ctx, dryRun)
		case PhaseEmbeddingRefresh:
			stat, err = n.phaseEmbeddingRefresh(ctx, dryRun)
		case PhaseCleanup:
			stat, err = n.phaseCleanup(ctx, dryRun)
		case PhaseValidation:
			stat, err = n.phaseValidation(ctx, dryRun)
		case PhaseSwap:
			stat, err = n.phaseSwap(ctx, dryRun)
		}

		result.Statistics[phase] = stat
		if err != nil {
			if phase != PhaseSnapshot {
				n.rollback(ctx)
				result.RolledBack = true
			}
			result.Status = "failed"
			return result, err
		}
		result.PhasesCompleted = append(result.PhasesCompleted, phase)
	}

	return result, nil
}

// phaseSnapshot scrolls all non-deleted rows per kind into memory, bounded
// by MaxSnapshotEntries.
func (n *Normalizer) phaseSnapshot(ctx context.Context, dryRun bool) (PhaseStat, error) {
	snap := make(map[types.MemoryKind][]storage.Point)
	total := 0
	for _, kind := range types.AllKinds {
		points, err := n.vec.Scroll(ctx, kind.Collection(), storage.Filter{"deleted": false}, n.cfg.MaxSnapshotEntries+1, 0)
		if err != nil {
			return PhaseStat{Phase: PhaseSnapshot}, err
		}
		total += len(points)
		if total > n.cfg.MaxSnapshotEntries {
			return PhaseStat{Phase: PhaseSnapshot}, storage.ErrSnapshotTooLarge
		}
		withVectors := make([]storage.Point, 0, len(points))
		for _, p := range points {
			full, err := n.vec.Get(ctx, kind.Collection(), p.ID, true)
			if err != nil {
				continue
			}
			withVectors = append(withVectors, *full)
		}
		snap[kind] = withVectors
	}
	// Dry runs keep the snapshot too: downstream phases count their
	// candidates from it. Swap (or run completion) clears it either way.
	n.snapshot = snap
	return PhaseStat{Phase: PhaseSnapshot, Count: total, DryRun: dryRun}, nil
}

// phaseDeduplication KNN-searches each live row's own vector; hits above
// conflict_threshold (excluding self) are marked duplicates of the first
// row encountered, deterministic given snapshot order.
func (n *Normalizer) phaseDeduplication(ctx context.Context, dryRun bool, processed map[types.MemoryID]bool) (PhaseStat, error) {
	count := 0
	for kind, points := range n.snapshot {
		for _, p := range points {
			id := types.MemoryID(p.ID)
			if processed[id] {
				continue
			}
			hits, err := n.vec.Search(ctx, kind.Collection(), p.Vector, 20, storage.Filter{"deleted": false}, n.cfg.ConflictThreshold)
			if err != nil {
				continue
			}
			for _, h := range hits {
				hitID := types.MemoryID(h.ID)
				if hitID == id || processed[hitID] {
					continue
				}
				count++
				processed[hitID] = true
				if dryRun {
					continue
				}
				now := time.Now().UTC()
				patch := map[string]interface{}{
					"deleted":        true,
					"deleted_at":     now.Format(time.RFC3339Nano),
					"deleted_reason": "deduplication",
					"merged_into":    string(id),
				}
				_ = n.vec.UpdatePayload(ctx, kind.Collection(), h.ID, patch)
				_ = n.graph.UpdateNode(ctx, h.ID, patch, kind.Label())
			}
			processed[id] = true
		}
	}
	return PhaseStat{Phase: PhaseDeduplication, Count: count, DryRun: dryRun}, nil
}

// phaseOrphanDetection clears containing_class on Function memories whose
// Component no longer resolves, and removes graph edges targeting deleted
// nodes.
func (n *Normalizer) phaseOrphanDetection(ctx context.Context, dryRun bool) (PhaseStat, error) {
	count := 0
	componentPoints := n.snapshot[types.KindComponent]
	liveComponents := make(map[string]bool, len(componentPoints))
	for _, p := range componentPoints {
		liveComponents[p.ID] = true
	}
	for _, p := range n.snapshot[types.KindFunction] {
		mem := types.FromPayload(p.Payload)
		if mem.ContainingClass == "" {
			continue
		}
		if liveComponents[string(mem.ContainingClass)] {
			continue
		}
		count++
		if dryRun {
			continue
		}
		_ = n.vec.UpdatePayload(ctx, types.KindFunction.Collection(), p.ID, map[string]interface{}{"containing_class": ""})
	}

	// Edges pointing at soft-deleted nodes are pruned best-effort: for each
	// deleted row, detach every live neighbor still wired to it. Traversal
	// only surfaces live neighbors, so edge direction is unknown here and
	// both orientations are attempted.
	edgesRemoved := 0
	for _, kind := range types.AllKinds {
		deletedPoints, err := n.vec.Scroll(ctx, kind.Collection(), storage.Filter{"deleted": true}, 10000, 0)
		if err != nil {
			continue
		}
		for _, p := range deletedPoints {
			neighbors, err := n.graph.GetRelated(ctx, p.ID, nil, types.DirectionBoth, 1, 1000)
			if err != nil {
				continue
			}
			for _, neighbor := range neighbors {
				edgesRemoved++
				if dryRun {
					continue
				}
				_ = n.graph.DeleteRelationship(ctx, string(neighbor.ID), p.ID, neighbor.LastEdgeType)
				_ = n.graph.DeleteRelationship(ctx, p.ID, string(neighbor.ID), neighbor.LastEdgeType)
			}
		}
	}

	return PhaseStat{Phase: PhaseOrphanDetection, Count: count, EdgesRemoved: edgesRemoved, DryRun: dryRun}, nil
}

// phaseEmbeddingRefresh re-embeds live rows flagged embedding_is_fallback;
// rows that come back non-fallback are upserted with the flag cleared
//.
func (n *Normalizer) phaseEmbeddingRefresh(ctx context.Context, dryRun bool) (PhaseStat, error) {
	count := 0
	for kind, points := range n.snapshot {
		for _, p := range points {
			mem := types.FromPayload(p.Payload)
			if !mem.EmbeddingIsFallback() {
				continue
			}
			count++
			if dryRun {
				continue
			}
			res, err := n.embedder.Embed(ctx, mem.Content)
			if err != nil {
				continue
			}
			if res.IsFallback {
				continue
			}
			mem.Embedding = res.Vector
			mem.SetMeta("embedding_is_fallback", false)
			_ = n.vec.Upsert(ctx, kind.Collection(), p.ID, mem.Embedding, mem.ToPayload())
		}
	}
	return PhaseStat{Phase: PhaseEmbeddingRefresh, Count: count, DryRun: dryRun}, nil
}

// phaseCleanup hard-deletes soft-deleted rows whose deleted_at predates the
// retention window.
func (n *Normalizer) phaseCleanup(ctx context.Context, dryRun bool) (PhaseStat, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -n.cfg.SoftDeleteRetentionDays)
	count := 0
	for _, kind := range types.AllKinds {
		points, err := n.vec.Scroll(ctx, kind.Collection(), storage.Filter{"deleted": true}, 10000, 0)
		if err != nil {
			continue
		}
		for _, p := range points {
			mem := types.FromPayload(p.Payload)
			if mem.DeletedAt == nil || mem.DeletedAt.After(cutoff) {
				continue
			}
			count++
			if dryRun {
				continue
			}
			_ = n.vec.Delete(ctx, kind.Collection(), p.ID)
			_ = n.graph.DeleteNode(ctx, p.ID, kind.Label(), true)
		}
	}
	return PhaseStat{Phase: PhaseCleanup, Count: count, DryRun: dryRun}, nil
}

// phaseValidation samples rows (<=10) per kind and checks vector presence
// and non-empty content, plus a GraphStore health check.
func (n *Normalizer) phaseValidation(ctx context.Context, dryRun bool) (PhaseStat, error) {
	var issues []string
	for _, kind := range types.AllKinds {
		points, err := n.vec.Scroll(ctx, kind.Collection(), storage.Filter{"deleted": false}, 10, 0)
		if err != nil {
			continue
		}
		for _, p := range points {
			full, err := n.vec.Get(ctx, kind.Collection(), p.ID, true)
			if err != nil {
				issues = append(issues, fmt.Sprintf("%s: fetch failed: %v", p.ID, err))
				continue
			}
			if len(full.Vector) != types.VectorDimension {
				issues = append(issues, fmt.Sprintf("%s: missing or malformed vector", p.ID))
			}
			mem := types.FromPayload(p.Payload)
			if mem.Content == "" {
				issues = append(issues, fmt.Sprintf("%s: empty content", p.ID))
			}
		}
	}
	if err := n.graph.Healthy(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("graph store unhealthy: %v", err))
	}
	return PhaseStat{Phase: PhaseValidation, Count: len(issues), DryRun: dryRun, Issues: issues}, nil
}

// phaseSwap clears the snapshot in-place; normalization never moves data,
// it mutates live rows directly.
func (n *Normalizer) phaseSwap(ctx context.Context, dryRun bool) (PhaseStat, error) {
	size := 0
	for _, points := range n.snapshot {
		size += len(points)
	}
	if !dryRun {
		n.snapshot = nil
	}
	return PhaseStat{Phase: PhaseSwap, Count: size, DryRun: dryRun}, nil
}

// rollback restores every snapshot row back into VectorStore; GraphStore
// rollback is best-effort. The snapshot is always cleared afterward.
func (n *Normalizer) rollback(ctx context.Context) {
	for kind, points := range n.snapshot {
		for _, p := range points {
			_ = n.vec.Upsert(ctx, kind.Collection(), p.ID, p.Vector, p.Payload)
			_ = n.graph.UpdateNode(ctx, p.ID, p.Payload, kind.Label())
		}
	}
	n.snapshot = nil
}

// Running reports whether a normalization run is currently in progress.
func (n *Normalizer) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
