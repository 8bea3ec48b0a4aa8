package memstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/vector"
)

// Store keeps the index in process memory with brute-force cosine search.
// It backs single-node deployments that do not want to run Weaviate, and
// the test suite.
type Store struct {
	mu      sync.RWMutex
	entries map[string]ingest.Entry // keyed by fingerprint
	model   string
}

func NewStore() *Store {
	return &Store{entries: make(map[string]ingest.Entry)}
}

func (s *Store) Upsert(ctx context.Context, entries []ingest.Entry) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Fingerprint] = e
	}
	return len(entries), nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for fp, e := range s.entries {
		if e.SourceID == sourceID {
			delete(s.entries, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, fp := range fingerprints {
		if _, ok := s.entries[fp]; ok {
			delete(s.entries, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) FingerprintsBySource(ctx context.Context, sourceID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fps []string
	for fp, e := range s.entries {
		if e.SourceID == sourceID {
			fps = append(fps, fp)
		}
	}
	return fps, nil
}

func (s *Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[fingerprint]
	return ok, nil
}

func (s *Store) Search(ctx context.Context, vec []float32, topK int, filter vector.Filter) ([]vector.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []vector.Hit
	for _, e := range s.entries {
		if !matches(e, filter) {
			continue
		}
		hits = append(hits, vector.Hit{
			Fingerprint: e.Fingerprint,
			Text:        e.Text,
			SourceID:    e.SourceID,
			Kind:        e.Kind,
			Record:      e.Record,
			Seq:         e.Seq,
			Timestamp:   e.Timestamp,
			Metadata:    e.Metadata,
			Score:       cosine(vec, e.Vector),
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Store) Sources(ctx context.Context) ([]vector.SourceSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range s.entries {
		counts[e.SourceID]++
	}
	sources := make([]vector.SourceSummary, 0, len(counts))
	for id, n := range counts {
		sources = append(sources, vector.SourceSummary{ID: id, Chunks: n})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *Store) EmbeddingModelID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model, nil
}

func (s *Store) SetEmbeddingModelID(ctx context.Context, model string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
	return nil
}

func matches(e ingest.Entry, f vector.Filter) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if !f.Since.IsZero() && (e.Timestamp.IsZero() || e.Timestamp.Before(f.Since)) {
		return false
	}
	if !f.Until.IsZero() && (e.Timestamp.IsZero() || e.Timestamp.After(f.Until)) {
		return false
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
