package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/debugonezero/plug-memory/internal/chunk"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
)

// Service coordinates the ingestion pipeline: normalize, chunk, embed,
// upsert. Chunks of a record are written in sequence order, and a chunk
// whose fingerprint is already indexed is accepted without re-embedding.
type Service struct {
	chunker      *chunk.Chunker
	embedder     Embedder
	store        IndexStore
	retry        RetryPolicy
	embedTimeout time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger

	modelMu      sync.Mutex
	modelChecked bool
}

func NewService(chunker *chunk.Chunker, embedder Embedder, store IndexStore, retry RetryPolicy, embedTimeout, storeTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		chunker:      chunker,
		embedder:     embedder,
		store:        store,
		retry:        retry,
		embedTimeout: embedTimeout,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// BulkIngest processes a full export payload. With opts.Reconcile set,
// previously indexed entries for the batch's sources that are absent from
// this run are deleted afterwards.
func (s *Service) BulkIngest(ctx context.Context, kind record.SourceKind, payload []byte, opts Options) (*Report, error) {
	return s.ingest(ctx, kind, payload, opts)
}

// LiveUpdate processes an incremental payload. It only adds or overwrites
// entries; absence from the payload never deletes anything.
func (s *Service) LiveUpdate(ctx context.Context, kind record.SourceKind, payload []byte) (*Report, error) {
	return s.ingest(ctx, kind, payload, Options{})
}

func (s *Service) ingest(ctx context.Context, kind record.SourceKind, payload []byte, opts Options) (*Report, error) {
	records, problems, err := record.Normalize(payload, kind)
	if err != nil {
		return nil, err
	}

	if err := s.ensureModel(ctx); err != nil {
		return nil, err
	}

	report := &Report{}
	for _, p := range problems {
		report.Failed = append(report.Failed, Failure{Ref: p.Ref, Reason: p.Reason})
	}

	// Fingerprints seen this run, per source, for reconciliation.
	seen := make(map[string]map[string]bool)

	for ord, rec := range records {
		if err := ctx.Err(); err != nil {
			// Cancelled between records: everything written so far stands.
			return report, err
		}
		s.ingestRecord(ctx, ord, rec, report, seen)
	}

	if opts.Reconcile {
		s.reconcile(ctx, seen, report)
	}

	s.logger.InfoContext(ctx, "ingestion finished",
		"kind", kind,
		"records", len(records),
		"accepted", report.Accepted,
		"reconciled", report.Reconciled,
		"failed", len(report.Failed),
	)
	return report, nil
}

func (s *Service) ingestRecord(ctx context.Context, ord int, rec record.CanonicalRecord, report *Report, seen map[string]map[string]bool) {
	chunks := s.chunker.Split(rec)
	entries := make([]Entry, 0, len(chunks))

	for _, c := range chunks {
		if seen[c.SourceID] == nil {
			seen[c.SourceID] = make(map[string]bool)
		}
		seen[c.SourceID][c.Fingerprint] = true

		exists, err := s.exists(ctx, c.Fingerprint)
		if err == nil && exists {
			report.Accepted++
			continue
		}
		if err != nil {
			// The upsert below gives the store a second chance, with retries.
			s.logger.DebugContext(ctx, "fingerprint lookup failed, embedding anyway", "error", err)
		}

		vec, err := s.embed(ctx, c.Text)
		if err != nil {
			report.Failed = append(report.Failed, Failure{
				Ref:    chunkRef(c),
				Reason: fmt.Errorf("%w: %v", ErrEmbeddingFailure, err).Error(),
			})
			continue
		}

		entries = append(entries, Entry{
			Fingerprint: c.Fingerprint,
			Vector:      vec,
			Text:        c.Text,
			SourceID:    c.SourceID,
			Kind:        c.Kind,
			Record:      ord,
			Seq:         c.Seq,
			Timestamp:   c.Timestamp,
			Metadata:    c.Metadata,
		})
	}

	if len(entries) == 0 {
		return
	}

	var written int
	err := s.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		n, upErr := s.store.Upsert(opCtx, entries)
		written = n
		return upErr
	})
	if err != nil {
		for _, e := range entries {
			report.Failed = append(report.Failed, Failure{
				Ref:    entryRef(e),
				Reason: err.Error(),
			})
		}
		s.logger.ErrorContext(ctx, "upsert failed after retries", "source_id", rec.SourceID, "chunks", len(entries), "error", err)
		return
	}
	report.Accepted += written

	// A batch import can reject individual objects without failing the call.
	// Those chunks must still show up in the report.
	if written < len(entries) {
		rejected := len(entries) - written
		report.Failed = append(report.Failed, Failure{
			Ref:    rec.SourceID,
			Reason: fmt.Sprintf("store rejected %d of %d chunks", rejected, len(entries)),
		})
		s.logger.WarnContext(ctx, "store rejected part of batch", "source_id", rec.SourceID, "rejected", rejected, "chunks", len(entries))
	}
}

// Forget removes every indexed entry for one source.
func (s *Service) Forget(ctx context.Context, sourceID string) (int, error) {
	var deleted int
	err := s.retry.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		var dErr error
		deleted, dErr = s.store.DeleteBySource(opCtx, sourceID)
		return dErr
	})
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "source forgotten", "source_id", sourceID, "deleted", deleted)
	return deleted, nil
}

func (s *Service) reconcile(ctx context.Context, seen map[string]map[string]bool, report *Report) {
	for sourceID, current := range seen {
		var indexed []string
		err := s.retry.Do(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			defer cancel()
			var lErr error
			indexed, lErr = s.store.FingerprintsBySource(opCtx, sourceID)
			return lErr
		})
		if err != nil {
			report.Failed = append(report.Failed, Failure{
				Ref:    sourceID,
				Reason: fmt.Sprintf("reconciliation skipped: %v", err),
			})
			continue
		}

		var stale []string
		for _, fp := range indexed {
			if !current[fp] {
				stale = append(stale, fp)
			}
		}
		if len(stale) == 0 {
			continue
		}

		var deleted int
		err = s.retry.Do(ctx, func() error {
			opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			defer cancel()
			var dErr error
			deleted, dErr = s.store.DeleteFingerprints(opCtx, stale)
			return dErr
		})
		if err != nil {
			report.Failed = append(report.Failed, Failure{
				Ref:    sourceID,
				Reason: fmt.Sprintf("reconciliation skipped: %v", err),
			})
			continue
		}
		report.Reconciled += deleted
	}
}

// ensureModel records the embedder's model identity on first contact with an
// empty collection and refuses to write into a collection built by a
// different model.
func (s *Service) ensureModel(ctx context.Context) error {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	if s.modelChecked {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	stored, err := s.store.EmbeddingModelID(opCtx)
	if err != nil {
		return err
	}
	current := s.embedder.ModelID()
	if stored == "" {
		if err := s.store.SetEmbeddingModelID(opCtx, current); err != nil {
			return err
		}
	} else if stored != current {
		return fmt.Errorf("%w: index built with %q, embedder is %q", vector.ErrModelMismatch, stored, current)
	}
	s.modelChecked = true
	return nil
}

func (s *Service) exists(ctx context.Context, fingerprint string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Exists(opCtx, fingerprint)
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()
	return s.embedder.Embed(opCtx, text)
}

func chunkRef(c chunk.Chunk) string {
	return fmt.Sprintf("%s#%d", c.SourceID, c.Seq)
}

func entryRef(e Entry) string {
	return fmt.Sprintf("%s#%d", e.SourceID, e.Seq)
}
