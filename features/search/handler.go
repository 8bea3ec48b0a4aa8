package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/middleware"
	"github.com/debugonezero/plug-memory/internal/query"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
)

type QueryEngine interface {
	Search(ctx context.Context, text string, opts *query.Options) ([]query.Result, error)
}

type Handler struct {
	engine QueryEngine
}

func NewHandler(engine QueryEngine) *Handler {
	return &Handler{engine: engine}
}

type searchRequest struct {
	Query    string   `json:"query"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore *float32 `json:"min_score,omitempty"`
	Filter   struct {
		SourceKind string     `json:"source_kind,omitempty"`
		SourceID   string     `json:"source_id,omitempty"`
		Since      *time.Time `json:"since,omitempty"`
		Until      *time.Time `json:"until,omitempty"`
	} `json:"filter,omitempty"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}

	opts := &query.Options{
		TopK:     req.TopK,
		MinScore: req.MinScore,
	}
	opts.Filter.Kind = record.SourceKind(req.Filter.SourceKind)
	opts.Filter.SourceID = req.Filter.SourceID
	if req.Filter.Since != nil {
		opts.Filter.Since = *req.Filter.Since
	}
	if req.Filter.Until != nil {
		opts.Filter.Until = *req.Filter.Until
	}

	slog.InfoContext(ctx, "search requested", "correlationId", correlationID)

	results, err := h.engine.Search(ctx, req.Query, opts)
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err, "correlationId", correlationID)
		switch {
		case errors.Is(err, query.ErrInvalidQuery):
			h.writeError(ctx, w, "INVALID_QUERY", err.Error(), http.StatusBadRequest)
		case errors.Is(err, vector.ErrModelMismatch):
			h.writeError(ctx, w, "MODEL_MISMATCH", err.Error(), http.StatusConflict)
		case errors.Is(err, vector.ErrStoreUnavailable):
			h.writeError(ctx, w, "STORE_UNAVAILABLE", err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, ingest.ErrEmbeddingFailure):
			h.writeError(ctx, w, "EMBEDDING_FAILURE", err.Error(), http.StatusBadGateway)
		default:
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if results == nil {
		results = []query.Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
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
