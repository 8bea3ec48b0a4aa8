package vector

import "errors"

// ErrStoreUnavailable marks transient vector-store failures, including
// timeouts. Adapters wrap every transport error with it and never retry;
// the retry budget belongs to the ingestion coordinator.
var ErrStoreUnavailable = errors.New("vector store unavailable")

// ErrModelMismatch is returned when the caller's embedding model differs
// from the one recorded for the collection. Mixing vector spaces silently
// degrades every search, so both ingestion and query refuse it.
var ErrModelMismatch = errors.New("embedding model mismatch")

// Class names of the persisted collections.
const (
	ClassChunk = "MemoryChunk"
	ClassMeta  = "MemoryMeta"
)
