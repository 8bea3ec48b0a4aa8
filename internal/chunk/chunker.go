package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/debugonezero/plug-memory/internal/record"
)

// charsPerToken is the same rough estimate the chunk sizing has always used.
const charsPerToken = 4

// Chunk is one bounded window of a record's text. Fingerprint is the upsert
// key: identical input yields identical fingerprints on every run, so
// re-ingestion overwrites instead of duplicating, and a changed fingerprint
// means the content changed.
type Chunk struct {
	SourceID    string
	Kind        record.SourceKind
	Seq         int
	Timestamp   time.Time
	Text        string
	Metadata    map[string]string
	Fingerprint string
}

// Chunker splits canonical records into fixed windows with overlap. Both
// ingestion entry points must use the same instance parameters or fingerprints
// drift between bulk and live runs.
type Chunker struct {
	maxChars  int
	stepChars int
}

func New(maxTokens, overlapTokens int) *Chunker {
	maxChars := maxTokens * charsPerToken
	if maxChars < 1 {
		maxChars = 1
	}
	step := (maxTokens - overlapTokens) * charsPerToken
	if step < 1 {
		step = 1
	}
	return &Chunker{maxChars: maxChars, stepChars: step}
}

// Split windows the record text by runes. Splitting is pure and deterministic;
// embedding happens later so a backend failure never affects chunk identity.
func (c *Chunker) Split(rec record.CanonicalRecord) []Chunk {
	runes := []rune(rec.Text)
	var chunks []Chunk
	for start, seq := 0, 0; start < len(runes); start, seq = start+c.stepChars, seq+1 {
		end := start + c.maxChars
		if end > len(runes) {
			end = len(runes)
		}
		text := string(runes[start:end])
		chunks = append(chunks, Chunk{
			SourceID:    rec.SourceID,
			Kind:        rec.Kind,
			Seq:         seq,
			Timestamp:   rec.Timestamp,
			Text:        text,
			Metadata:    rec.Metadata,
			Fingerprint: Fingerprint(rec.SourceID, rec.Kind, seq, text),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Fingerprint hashes provenance, position and normalized content. Two chunks
// with the same text at different positions stay distinct; reordering matters
// for reconstruction and citation.
func Fingerprint(sourceID string, kind record.SourceKind, seq int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", sourceID, kind, seq, NormalizeText(text))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText collapses whitespace runs so cosmetic reformatting does not
// change chunk identity.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
