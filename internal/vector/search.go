package vector

import (
	"time"

	"github.com/debugonezero/plug-memory/internal/record"
)

// Filter narrows a search to a provenance slice of the collection. Zero
// values mean unconstrained.
type Filter struct {
	Kind     record.SourceKind
	SourceID string
	Since    time.Time
	Until    time.Time
}

// Hit is one scored match from the store. Score is normalized similarity in
// [0,1]; adapters convert whatever their backend reports. Record is the
// ordinal of the parent record within its ingestion batch, so hits from
// overlapping windows of one record are distinguishable from hits on
// different records of the same source.
type Hit struct {
	Fingerprint string
	Text        string
	SourceID    string
	Kind        record.SourceKind
	Record      int
	Seq         int
	Timestamp   time.Time
	Metadata    map[string]string
	Score       float32
}

// SourceSummary describes one known source of the index.
type SourceSummary struct {
	ID     string `json:"source_id"`
	Chunks int    `json:"chunks"`
}
