package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SourceKind is the closed set of export formats the normalizer understands.
// Adding a format means adding a kind and its normalizer function, not
// widening a generic dispatcher.
type SourceKind string

const (
	KindChatGPT     SourceKind = "chatgpt-export"
	KindClaude      SourceKind = "claude-export"
	KindDiscord     SourceKind = "discord-csv"
	KindSessionLog  SourceKind = "session-log"
	KindGenericJSON SourceKind = "generic-json"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrMalformedRecord   = errors.New("malformed record")
)

// CanonicalRecord is the source-agnostic shape every export is reduced to.
// SourceID plus Kind identify provenance; Metadata is passed through to query
// results untouched.
type CanonicalRecord struct {
	SourceID string
	Kind     SourceKind
	// Timestamp is the event time from the export. The zero value means
	// unknown; normalizers never substitute the current time, so staleness
	// checks are not corrupted by synthetic recency.
	Timestamp time.Time
	Text      string
	Metadata  map[string]string
}

// Problem describes one entry skipped during normalization. The batch
// continues past it.
type Problem struct {
	Ref    string
	Reason string
}

type normalizeFunc func(payload []byte) ([]CanonicalRecord, []Problem, error)

var normalizers = map[SourceKind]normalizeFunc{
	KindChatGPT:     normalizeChatGPT,
	KindClaude:      normalizeClaude,
	KindDiscord:     normalizeDiscord,
	KindSessionLog:  normalizeSessionLog,
	KindGenericJSON: normalizeGenericJSON,
}

// Kinds lists the supported source kinds.
func Kinds() []SourceKind {
	return []SourceKind{KindChatGPT, KindClaude, KindDiscord, KindSessionLog, KindGenericJSON}
}

// ParseKind validates a wire string against the supported kinds.
func ParseKind(s string) (SourceKind, error) {
	k := SourceKind(strings.TrimSpace(s))
	if _, ok := normalizers[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	return k, nil
}

// Normalize converts a raw export payload into canonical records. Malformed
// entries are skipped and reported as Problems; only an unknown kind or an
// unreadable payload fails the whole call.
func Normalize(payload []byte, kind SourceKind) ([]CanonicalRecord, []Problem, error) {
	fn, ok := normalizers[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
	}
	records, problems, err := fn(payload)
	if err != nil {
		return nil, nil, err
	}

	// Empty text is a per-entry defect regardless of kind.
	kept := records[:0]
	for _, r := range records {
		if strings.TrimSpace(r.Text) == "" {
			problems = append(problems, Problem{Ref: r.SourceID, Reason: "empty text"})
			continue
		}
		r.Kind = kind
		kept = append(kept, r)
	}
	return kept, problems, nil
}
