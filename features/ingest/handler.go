package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/debugonezero/plug-memory/internal/config"
	ingestsvc "github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
	"github.com/debugonezero/plug-memory/internal/worker"
)

type Ingester interface {
	BulkIngest(ctx context.Context, kind record.SourceKind, payload []byte, opts ingestsvc.Options) (*ingestsvc.Report, error)
	Forget(ctx context.Context, sourceID string) (int, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type SourceLister interface {
	Sources(ctx context.Context) ([]vector.SourceSummary, error)
}

type Handler struct {
	ingester Ingester
	pub      EventPublisher
	sources  SourceLister
}

func NewHandler(ingester Ingester, pub EventPublisher, sources SourceLister) *Handler {
	return &Handler{ingester: ingester, pub: pub, sources: sources}
}

type ingestRequest struct {
	SourceKind string          `json:"source_kind"`
	Payload    json.RawMessage `json:"payload"`
	Reconcile  bool            `json:"reconcile"`
}

// Bulk runs a full export through the pipeline synchronously and returns
// the ingestion report, partial failures included.
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	req, ok := h.decode(ctx, w, r)
	if !ok {
		return
	}
	kind, err := record.ParseKind(req.SourceKind)
	if err != nil {
		h.writeError(ctx, w, "UNSUPPORTED_FORMAT", err.Error(), http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "bulk ingestion requested", "kind", kind, "reconcile", req.Reconcile, "correlationId", correlationID)

	report, err := h.ingester.BulkIngest(ctx, kind, req.Payload, ingestsvc.Options{Reconcile: req.Reconcile})
	if err != nil {
		h.writeIngestError(ctx, w, err, correlationID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": report}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Live queues an incremental payload on the live ingestion topic and
// returns immediately.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	req, ok := h.decode(ctx, w, r)
	if !ok {
		return
	}
	if _, err := record.ParseKind(req.SourceKind); err != nil {
		h.writeError(ctx, w, "UNSUPPORTED_FORMAT", err.Error(), http.StatusBadRequest)
		return
	}

	event, err := json.Marshal(worker.LivePayload{
		SourceKind:    req.SourceKind,
		Payload:       req.Payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.pub.Publish(config.TopicIngestLive, event); err != nil {
		slog.ErrorContext(ctx, "failed to publish live event", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "QUEUE_UNAVAILABLE", "could not queue payload", http.StatusServiceUnavailable)
		return
	}

	slog.InfoContext(ctx, "live payload queued", "kind", req.SourceKind, "correlationId", correlationID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "queued"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Forget drops everything indexed for one source.
func (h *Handler) Forget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	sourceID := r.PathValue("id")

	if sourceID == "" {
		h.writeError(ctx, w, "BAD_REQUEST", "source id is required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "forgetting source", "source_id", sourceID, "correlationId", correlationID)

	deleted, err := h.ingester.Forget(ctx, sourceID)
	if err != nil {
		h.writeIngestError(ctx, w, err, correlationID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]int{"deleted": deleted},
	}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Sources lists every source known to the index with its chunk count.
func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sources, err := h.sources.Sources(ctx)
	if err != nil {
		h.writeIngestError(ctx, w, err, middleware.GetCorrelationID(ctx))
		return
	}
	if sources == nil {
		sources = []vector.SourceSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": sources}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) decode(ctx context.Context, w http.ResponseWriter, r *http.Request) (*ingestRequest, bool) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if len(req.Payload) == 0 {
		h.writeError(ctx, w, "BAD_REQUEST", "payload is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeIngestError(ctx context.Context, w http.ResponseWriter, err error, correlationID string) {
	slog.ErrorContext(ctx, "ingestion request failed", "error", err, "correlationId", correlationID)

	switch {
	case errors.Is(err, record.ErrUnsupportedFormat):
		h.writeError(ctx, w, "UNSUPPORTED_FORMAT", err.Error(), http.StatusBadRequest)
	case errors.Is(err, record.ErrMalformedRecord):
		h.writeError(ctx, w, "MALFORMED_RECORD", err.Error(), http.StatusBadRequest)
	case errors.Is(err, vector.ErrModelMismatch):
		h.writeError(ctx, w, "MODEL_MISMATCH", err.Error(), http.StatusConflict)
	case errors.Is(err, vector.ErrStoreUnavailable):
		h.writeError(ctx, w, "STORE_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
	default:
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
