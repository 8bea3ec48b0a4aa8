package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
)

// LivePayload is the live ingestion event body. It carries the raw export
// payload untouched so the archive can replay it byte for byte.
type LivePayload struct {
	SourceKind    string          `json:"source_kind"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

type Ingester interface {
	LiveUpdate(ctx context.Context, kind record.SourceKind, payload []byte) (*ingest.Report, error)
}

type FailedRecordArchiver interface {
	Archive(ctx context.Context, sourceKind string, payload json.RawMessage, reason string) error
}

// LiveConsumer drains the live ingestion topic. Store outages propagate as
// handler errors so NSQ redelivers; everything unrecoverable lands in the
// failed-record archive instead of looping forever.
type LiveConsumer struct {
	ingester Ingester
	archive  FailedRecordArchiver
	timeout  time.Duration
}

func NewLiveConsumer(ingester Ingester, archive FailedRecordArchiver, timeout time.Duration) *LiveConsumer {
	return &LiveConsumer{
		ingester: ingester,
		archive:  archive,
		timeout:  timeout,
	}
}

func (h *LiveConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload LivePayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	kind, err := record.ParseKind(payload.SourceKind)
	if err != nil {
		slog.ErrorContext(ctx, "unsupported source kind", "kind", payload.SourceKind, "error", err)
		h.archiveRecord(ctx, payload, err.Error())
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	report, err := h.ingester.LiveUpdate(opCtx, kind, payload.Payload)
	if err != nil {
		if errors.Is(err, vector.ErrStoreUnavailable) {
			slog.ErrorContext(ctx, "live update hit unavailable store", "kind", kind, "error", err)
			return err // Retry
		}
		slog.ErrorContext(ctx, "live update rejected", "kind", kind, "error", err)
		h.archiveRecord(ctx, payload, err.Error())
		return nil
	}

	if len(report.Failed) > 0 {
		slog.WarnContext(ctx, "live update partially failed", "kind", kind, "accepted", report.Accepted, "failed", len(report.Failed))
		h.archiveRecord(ctx, payload, failureSummary(report))
		return nil
	}

	slog.InfoContext(ctx, "live update applied", "kind", kind, "accepted", report.Accepted)
	return nil
}

func (h *LiveConsumer) archiveRecord(ctx context.Context, payload LivePayload, reason string) {
	if h.archive == nil {
		return
	}
	if err := h.archive.Archive(ctx, payload.SourceKind, payload.Payload, reason); err != nil {
		slog.ErrorContext(ctx, "failed to archive record", "error", err)
	}
}

func failureSummary(report *ingest.Report) string {
	if len(report.Failed) == 0 {
		return ""
	}
	summary := report.Failed[0].Reason
	if len(report.Failed) > 1 {
		summary += " (and more)"
	}
	return summary
}
