package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/settings"
	"github.com/debugonezero/plug-memory/internal/vector"
)

var ErrInvalidQuery = errors.New("invalid query")

// overfetchFactor widens the store search so that threshold filtering and
// overlap dedup still leave enough candidates to fill top-k.
const overfetchFactor = 2

type Result struct {
	Text       string            `json:"text"`
	Score      float32           `json:"score"`
	SourceID   string            `json:"source_id"`
	SourceKind record.SourceKind `json:"source_kind"`
	Seq        int               `json:"seq"`
	Timestamp  time.Time         `json:"timestamp,omitzero"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Options override the persisted defaults for one call. A nil MinScore means
// "use the configured threshold", not "no threshold".
type Options struct {
	TopK     int
	MinScore *float32
	Filter   vector.Filter
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

type SearchStore interface {
	Search(ctx context.Context, vec []float32, topK int, filter vector.Filter) ([]vector.Hit, error)
	EmbeddingModelID(ctx context.Context) (string, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Service struct {
	embedder     Embedder
	store        SearchStore
	settings     SettingsProvider
	logger       *Logger
	embedTimeout time.Duration
	storeTimeout time.Duration

	modelMu sync.Mutex
	modelOK bool
}

func NewService(e Embedder, s SearchStore, set SettingsProvider, l *Logger, embedTimeout, storeTimeout time.Duration) *Service {
	return &Service{
		embedder:     e,
		store:        s,
		settings:     set,
		logger:       l,
		embedTimeout: embedTimeout,
		storeTimeout: storeTimeout,
	}
}

// Search embeds the query, runs a nearest-neighbor search and post-processes
// the hits: threshold filter, overlap dedup, deterministic ordering. An empty
// result set is a normal outcome, never an error.
func (s *Service) Search(ctx context.Context, text string, opts *Options) ([]Result, error) {
	start := time.Now()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidQuery)
	}

	if err := s.checkModel(ctx); err != nil {
		return nil, err
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		cfg = settings.Default()
	}

	topK := cfg.SearchTopK
	minScore := cfg.MinScore
	var filter vector.Filter
	if opts != nil {
		if opts.TopK > 0 {
			topK = opts.TopK
		}
		if opts.MinScore != nil {
			minScore = *opts.MinScore
		}
		filter = opts.Filter
	}
	if topK < 1 {
		topK = settings.DefaultSearchTopK
	}
	if minScore < 0 || minScore > 1 {
		return nil, fmt.Errorf("%w: min_score must be within [0,1], got %v", ErrInvalidQuery, minScore)
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, s.embedTimeout)
	defer cancelEmbed()
	vec, err := s.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrEmbeddingFailure, err)
	}

	storeCtx, cancelStore := context.WithTimeout(ctx, s.storeTimeout)
	defer cancelStore()
	hits, err := s.store.Search(storeCtx, vec, topK*overfetchFactor, filter)
	if err != nil {
		return nil, err
	}

	results := postProcess(hits, minScore, topK)

	if s.logger != nil {
		s.logger.Log(LogEntry{
			Query:         text,
			NumResults:    len(results),
			TopK:          topK,
			MinScore:      minScore,
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}
	return results, nil
}

// checkModel refuses to search an index built by a different embedding model.
// An empty recorded model means the index is empty, which is fine to query;
// the positive outcome is cached, the empty one is re-checked next call.
func (s *Service) checkModel(ctx context.Context) error {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	if s.modelOK {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	stored, err := s.store.EmbeddingModelID(opCtx)
	if err != nil {
		return err
	}
	if stored == "" {
		return nil
	}
	if current := s.embedder.ModelID(); stored != current {
		return fmt.Errorf("%w: index built with %q, embedder is %q", vector.ErrModelMismatch, stored, current)
	}
	s.modelOK = true
	return nil
}

func postProcess(hits []vector.Hit, minScore float32, topK int) []Result {
	var candidates []vector.Hit
	for _, h := range hits {
		if h.Score >= minScore {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	kept := dedupeOverlaps(candidates)

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Timestamp.After(kept[j].Timestamp)
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	results := make([]Result, len(kept))
	for i, h := range kept {
		results[i] = Result{
			Text:       h.Text,
			Score:      h.Score,
			SourceID:   h.SourceID,
			SourceKind: h.Kind,
			Seq:        h.Seq,
			Timestamp:  h.Timestamp,
			Metadata:   h.Metadata,
		}
	}
	return results
}

// dedupeOverlaps collapses runs of adjacent chunks of the same record into
// their best-scoring member. Overlapping windows of one passage would
// otherwise crowd out everything else in top-k. A source can hold many
// records (each message of a conversation is one), so matching on the
// source alone would merge distinct messages; hits only count as one span
// when they share the record ordinal and timestamp too.
func dedupeOverlaps(hits []vector.Hit) []vector.Hit {
	sorted := make([]vector.Hit, len(hits))
	copy(sorted, hits)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SourceID != sorted[j].SourceID {
			return sorted[i].SourceID < sorted[j].SourceID
		}
		if sorted[i].Record != sorted[j].Record {
			return sorted[i].Record < sorted[j].Record
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var kept []vector.Hit
	for i := 0; i < len(sorted); i++ {
		best := sorted[i]
		for i+1 < len(sorted) &&
			sorted[i+1].SourceID == best.SourceID &&
			sorted[i+1].Record == best.Record &&
			sorted[i+1].Timestamp.Equal(sorted[i].Timestamp) &&
			sorted[i+1].Seq <= sorted[i].Seq+1 {
			i++
			if sorted[i].Score > best.Score {
				best = sorted[i]
			}
		}
		kept = append(kept, best)
	}
	return kept
}
