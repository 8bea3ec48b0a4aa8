package job

import (
	"encoding/json"
	"time"
)

// Job is a live-ingestion payload that exhausted its retries. The original
// payload is archived verbatim so a retry replays exactly what arrived.
type Job struct {
	ID         string          `json:"id"`
	SourceKind string          `json:"source_kind"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"created_at"`
}
