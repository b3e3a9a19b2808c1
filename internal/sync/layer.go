// Package sync keeps the two stores eventually coherent: per-memory sync
// status tracking, a single-flight drainer loop that retries
// pending/failed GraphStore writes, and a consistency auditor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scrypster/memento/internal/storage"
	"github.com/scrypster/memento/pkg/types"
)

// maxFailedRetries bounds the retry counter recorded on a failed row before
// it is left for explicit recovery.
const maxFailedRetries = 5

// Layer drains VectorStore rows whose sync_status is pending or failed into
// GraphStore, and audits cross-store consistency. It is single-flight: at
// most one drain iteration runs at a time.
type Layer struct {
	vec   storage.VectorStore
	graph storage.GraphStore
	log   *slog.Logger

	batchSize int

	mu      sync.Mutex
	running bool
}

// New builds a Layer. batchSize bounds how many pending rows are scanned
// per drainer pass.
func New(vec storage.VectorStore, graph storage.GraphStore, batchSize int, log *slog.Logger) *Layer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Layer{vec: vec, graph: graph, batchSize: batchSize, log: log}
}

// AuditResult reports the outcome of a consistency sweep.
type AuditResult struct {
	VectorOnly int
	GraphOnly  int
	Mismatched int
	Consistent int
}

// Run executes one single-flight drain pass: scroll pending rows across
// every kind's collection, ensure the GraphStore node matches, then scan a
// smaller batch of failed rows for recovery. It polls ctx between
// per-kind and per-item steps.
func (l *Layer) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("sync: drain already in progress")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for _, kind := range types.AllKinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.drainKind(ctx, kind, string(types.SyncPending)); err != nil {
			l.log.Warn("sync: drain pending failed", "kind", kind, "error", err)
		}
	}
	for _, kind := range types.AllKinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.drainKind(ctx, kind, string(types.SyncFailed)); err != nil {
			l.log.Warn("sync: drain failed-retry failed", "kind", kind, "error", err)
		}
	}
	return nil
}

func (l *Layer) drainKind(ctx context.Context, kind types.MemoryKind, status string) error {
	limit := l.batchSize
	if status == string(types.SyncFailed) {
		// Failed-row recovery scans half the pending batch size.
		limit = (l.batchSize + 1) / 2
	}
	points, err := l.vec.Scroll(ctx, kind.Collection(), storage.Filter{"sync_status": status}, limit, 0)
	if err != nil {
		return err
	}
	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.drainOne(ctx, kind, p)
	}
	return nil
}

func (l *Layer) drainOne(ctx context.Context, kind types.MemoryKind, p storage.Point) {
	mem := types.FromPayload(p.Payload)
	props := p.Payload

	exists, err := l.graph.NodeExists(ctx, string(mem.ID))
	if err != nil {
		l.markFailed(ctx, kind, mem, p.Payload)
		return
	}
	if exists {
		err = l.graph.UpdateNode(ctx, string(mem.ID), props, kind.Label())
	} else {
		err = l.graph.CreateNode(ctx, kind.Label(), props)
	}
	if err != nil {
		l.markFailed(ctx, kind, mem, p.Payload)
		return
	}
	_ = l.vec.UpdatePayload(ctx, kind.Collection(), string(mem.ID), map[string]interface{}{
		"sync_status": string(types.SyncSynced),
	})
}

func (l *Layer) markFailed(ctx context.Context, kind types.MemoryKind, mem *types.BaseMemory, payload map[string]interface{}) {
	retries := 0
	if r, ok := payload["_sync_retries"]; ok {
		if f, ok := r.(float64); ok {
			retries = int(f)
		}
	}
	retries++
	status := string(types.SyncPending)
	if retries >= maxFailedRetries {
		status = string(types.SyncFailed)
	}
	_ = l.vec.UpdatePayload(ctx, kind.Collection(), string(mem.ID), map[string]interface{}{
		"sync_status":   status,
		"_sync_retries": retries,
	})
}

// Audit samples up to sampleSize live memories per kind and reports
// mismatch/one-sided presence between the two stores. The graph side is
// walked per kind label via ListNodeIDs so nodes with no VectorStore row
// (graph-only) are counted too.
func (l *Layer) Audit(ctx context.Context, sampleSize int) (AuditResult, error) {
	if sampleSize <= 0 {
		sampleSize = 200
	}
	var result AuditResult
	for _, kind := range types.AllKinds {
		points, err := l.vec.Scroll(ctx, kind.Collection(), storage.Filter{"deleted": false}, sampleSize, 0)
		if err != nil {
			continue
		}
		for _, p := range points {
			exists, err := l.graph.NodeExists(ctx, p.ID)
			if err != nil {
				continue
			}
			status, _ := p.Payload["sync_status"].(string)
			switch {
			case !exists && status == string(types.SyncSynced):
				result.Mismatched++
			case !exists:
				result.VectorOnly++
			default:
				result.Consistent++
			}
		}

		nodeIDs, err := l.graph.ListNodeIDs(ctx, kind.Label(), sampleSize)
		if err != nil {
			continue
		}
		for _, id := range nodeIDs {
			if _, err := l.vec.Get(ctx, kind.Collection(), id, false); errors.Is(err, storage.ErrNotFound) {
				result.GraphOnly++
			}
		}
	}
	return result, nil
}

// Running reports whether a drain iteration is currently in flight.
func (l *Layer) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// StartLoop runs Run on a ticker until ctx is cancelled: one single-flight
// pass per interval. Intended to be launched as a goroutine from
// cmd/memento-mcp.
func (l *Layer) StartLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Run(ctx); err != nil {
				l.log.Debug("sync: drain skipped", "error", err)
			}
		}
	}
}
