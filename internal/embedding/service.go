// Package embedding produces deterministic 1024-component unit vectors
// from text: cache-first lookup, bounded-batch remote calls with
// retry/backoff, and a deterministic local fallback encoder when the
// remote provider is unavailable. The provider sits behind the
// RemoteEmbedder interface.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/scrypster/memento/internal/corerr"
	"github.com/scrypster/memento/pkg/types"
)

// MaxBatchSize is the remote provider's per-call cap.
const MaxBatchSize = 128

// RemoteEmbedder is the external embedding provider's minimal contract
//. Callers
// return *RateLimitError to signal a 429 with a retry hint.
type RemoteEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RateLimitError signals an HTTP 429 with a server-provided retry hint
//.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("embedding provider rate limited, retry after %s", e.RetryAfter)
}

// Result is one embedding outcome: the vector and whether it came from the
// local fallback encoder rather than the remote provider.
type Result struct {
	Vector     []float32
	IsFallback bool
}

// Service implements the EmbeddingService capability (C3).
type Service struct {
	remote          RemoteEmbedder
	cache           *Cache
	modelID         string
	fallbackEnabled bool
	breaker         *gobreaker.CircuitBreaker
	limiter         *rate.Limiter
	maxRetries      int
}

// Config configures a Service instance, mirroring config.EmbeddingConfig.
type Config struct {
	ModelID         string
	FallbackEnabled bool
	MaxRetries      int

	// RequestsPerSecond throttles remote calls client-side so a burst of
	// bulk ingest doesn't trip the provider's 429 path in the first place.
	// Zero means 10 req/s.
	RequestsPerSecond float64
}

// New builds a Service around remote (which may be nil if the caller only
// ever intends to use the fallback encoder, e.g. in tests) and cache.
func New(remote RemoteEmbedder, cache *Cache, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	settings := gobreaker.Settings{
		Name:        "embedding-remote",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Service{
		remote:          remote,
		cache:           cache,
		modelID:         cfg.ModelID,
		fallbackEnabled: cfg.FallbackEnabled,
		breaker:         gobreaker.NewCircuitBreaker(settings),
		limiter:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		maxRetries:      cfg.MaxRetries,
	}
}

// Embed resolves one text: cache, then remote, then (if enabled) the local
// fallback encoder.
func (s *Service) Embed(ctx context.Context, content string) (Result, error) {
	key := Key(content, s.modelID)
	if entry, ok := s.cache.Get(key); ok {
		return Result{Vector: entry.Vector, IsFallback: entry.IsFallback}, nil
	}

	if s.remote != nil {
		vec, err := s.embedRemoteOne(ctx, content)
		if err == nil {
			s.cache.Put(key, CacheEntry{Vector: vec, IsFallback: false, CreatedAt: time.Now()})
			return Result{Vector: vec, IsFallback: false}, nil
		}
	}

	if !s.fallbackEnabled {
		return Result{}, corerr.New(corerr.KindEmbeddingUnavailable, "remote embedding failed and fallback is disabled")
	}
	vec := FallbackEmbed(content)
	s.cache.Put(key, CacheEntry{Vector: vec, IsFallback: true, CreatedAt: time.Now()})
	return Result{Vector: vec, IsFallback: true}, nil
}

func (s *Service) embedRemoteOne(ctx context.Context, content string) ([]float32, error) {
	vecs, err := s.embedRemoteBatch(ctx, []string{content})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch partitions cache hits from misses preserving input order,
// issues remote calls in chunks of at most 128 with backoff on 429, and
// populates the result array so index i corresponds to input i.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	keys := make([]string, len(texts))

	for i, text := range texts {
		key := Key(text, s.modelID)
		keys[i] = key
		if entry, ok := s.cache.Get(key); ok {
			results[i] = Result{Vector: entry.Vector, IsFallback: entry.IsFallback}
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	for start := 0; start < len(missTexts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		chunk := missTexts[start:end]
		chunkIdx := missIdx[start:end]

		var vecs [][]float32
		var err error
		if s.remote != nil {
			vecs, err = s.embedRemoteBatch(ctx, chunk)
		} else {
			err = corerr.New(corerr.KindEmbeddingUnavailable, "no remote embedder configured")
		}

		if err != nil {
			if !s.fallbackEnabled {
				return nil, corerr.Wrap(corerr.KindEmbeddingUnavailable, err, "remote embedding batch failed and fallback is disabled")
			}
			for j, origIdx := range chunkIdx {
				vec := FallbackEmbed(chunk[j])
				results[origIdx] = Result{Vector: vec, IsFallback: true}
				s.cache.Put(keys[origIdx], CacheEntry{Vector: vec, IsFallback: true, CreatedAt: time.Now()})
			}
			continue
		}

		for j, origIdx := range chunkIdx {
			results[origIdx] = Result{Vector: vecs[j], IsFallback: false}
			s.cache.Put(keys[origIdx], CacheEntry{Vector: vecs[j], IsFallback: false, CreatedAt: time.Now()})
		}
	}

	return results, nil
}

// embedRemoteBatch issues the remote call and retries any failure up to
// maxRetries more times with exponential backoff; for a rate-limit error the
// server-provided retry hint replaces the backoff for that wait.
func (s *Service) embedRemoteBatch(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := s.breaker.Execute(func() (interface{}, error) {
			return s.remote.Embed(ctx, texts)
		})
		if err == nil {
			vecs := out.([][]float32)
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("embedding: remote returned %d vectors for %d inputs", len(vecs), len(texts))
			}
			return vecs, nil
		}
		lastErr = err

		var rle *RateLimitError
		wait := backoff
		if ok := errorsAs(err, &rle); ok {
			wait = rle.RetryAfter
		}
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("embedding: remote batch failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

func errorsAs(err error, target **RateLimitError) bool {
	for err != nil {
		if rle, ok := err.(*RateLimitError); ok {
			*target = rle
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// FallbackEmbed deterministically derives a unit-length 1024-f32 vector
// from content using a SHA-256-seeded expansion, padded/truncated to
// types.VectorDimension.
// Two identical inputs always produce identical vectors; this is a
// low-quality local substitute for the remote encoder, not a learned model.
func FallbackEmbed(content string) []float32 {
	vec := make([]float32, types.VectorDimension)
	seed := []byte(content)
	block := sha256.Sum256(seed)
	pos := 0
	counter := byte(0)
	for pos < types.VectorDimension {
		if pos > 0 && pos%32 == 0 {
			counter++
			next := sha256.Sum256(append(append([]byte{}, seed...), counter))
			block = next
		}
		b := block[pos%32]
		vec[pos] = float32(int(b)-128) / 128.0
		pos++
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		vec[0] = 1
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
