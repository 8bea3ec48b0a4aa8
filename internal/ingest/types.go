package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/debugonezero/plug-memory/internal/record"
)

// ErrEmbeddingFailure marks a chunk the embedding backend rejected. It is
// recorded in the ingestion report and never aborts sibling chunks.
var ErrEmbeddingFailure = errors.New("embedding failure")

// Entry is the persisted unit of the vector index, keyed by fingerprint.
// It is only ever created or fully overwritten, never mutated in place.
// Record is the ordinal of the parent record in its ingestion batch; chunks
// of one record share it, chunks of sibling records of the same source do
// not, which is what separates overlapping windows from distinct messages.
type Entry struct {
	Fingerprint string
	Vector      []float32
	Text        string
	SourceID    string
	Kind        record.SourceKind
	Record      int
	Seq         int
	Timestamp   time.Time
	Metadata    map[string]string
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// IndexStore is the coordinator's view of the vector collection. The store
// performs no silent retries; transient failures wrap
// vector.ErrStoreUnavailable and are retried here.
type IndexStore interface {
	Upsert(ctx context.Context, entries []Entry) (int, error)
	DeleteBySource(ctx context.Context, sourceID string) (int, error)
	DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error)
	FingerprintsBySource(ctx context.Context, sourceID string) ([]string, error)
	Exists(ctx context.Context, fingerprint string) (bool, error)
	EmbeddingModelID(ctx context.Context) (string, error)
	SetEmbeddingModelID(ctx context.Context, model string) error
}

// Options control one bulk ingestion call. Reconcile is opt-in per call:
// when set, fingerprints previously indexed for the batch's sources but not
// re-seen in this run are deleted.
type Options struct {
	Reconcile bool
}

type Failure struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// Report is returned from every ingestion call, partial failures included.
// Accepted counts chunks whose index entries are in place after the call,
// whether freshly embedded or already present under the same fingerprint.
type Report struct {
	Accepted   int       `json:"accepted"`
	Reconciled int       `json:"reconciled,omitempty"`
	Failed     []Failure `json:"failed,omitempty"`
}
